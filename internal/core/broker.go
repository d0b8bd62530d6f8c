package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrShuttingDown is returned for new sessions once shutdown has begun.
var ErrShuttingDown = errors.New("broker is shutting down")

// Termination causes, recorded in logs and metrics.
const (
	causeShellExit     = "shell_exit"
	causeOrphanExpired = "orphan_expired"
	causeShutdown      = "shutdown"
	causeInternal      = "internal"
)

// Environment variable names the sandboxed CLI reads its credentials
// from. These are the only values injected from the auth frame beyond
// the whitelisted client environment.
const (
	envAPIKey      = "ABLY_API_KEY"
	envAccessToken = "ABLY_ACCESS_TOKEN"
)

// BrokerConfig holds the runtime parameters for a Broker.
type BrokerConfig struct {
	// GraceInterval is how long an orphaned session waits for resume.
	GraceInterval time.Duration
	// BufferSize caps each session's output ring buffer, in bytes.
	BufferSize int
	// Admission holds the session caps.
	Admission AdmissionPolicy
	// StopTimeout bounds each container termination during shutdown.
	StopTimeout time.Duration
	// ShutdownGrace bounds the whole shutdown: after it elapses Stop
	// returns even if terminations are still in flight.
	ShutdownGrace time.Duration
	// SweepInterval is how often the registry is scanned for
	// orphans whose deadline passed without the timer firing.
	SweepInterval time.Duration
}

func (c *BrokerConfig) applyDefaults() {
	if c.GraceInterval <= 0 {
		c.GraceInterval = time.Minute
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Broker owns the session registry and drives every lifecycle
// transition: creation, attach, detach, resume, orphan expiry and
// shutdown. It implements transport.Listener so the server's errgroup
// runs it alongside the HTTP listener.
type Broker struct {
	runtime  ContainerRuntime
	registry *Registry
	cfg      BrokerConfig
	metrics  *Metrics
	log      *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup // tracks in-flight terminations
}

// NewBroker returns a Broker wired to the given container runtime.
func NewBroker(runtime ContainerRuntime, cfg BrokerConfig, metrics *Metrics) *Broker {
	cfg.applyDefaults()
	return &Broker{
		runtime:  runtime,
		registry: NewRegistry(),
		cfg:      cfg,
		metrics:  metrics,
		log:      slog.Default().With("component", "broker"),
	}
}

// Registry exposes the session registry for handlers and tests.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// GraceInterval returns the configured orphan grace interval.
func (b *Broker) GraceInterval() time.Duration {
	return b.cfg.GraceInterval
}

// Create admits and provisions a fresh session: container, shell exec,
// ring buffer and output pump. The returned session is Connecting; the
// acceptor attaches the socket to make it Active. env holds already
// whitelisted client environment variables.
func (b *Broker) Create(ctx context.Context, creds Credentials, env map[string]string, cols, rows uint16) (*Session, error) {
	if b.closed.Load() {
		return nil, ErrShuttingDown
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		Digest:       creds.Digest(),
		CreatedAt:    now,
		Buffer:       NewBuffer(b.cfg.BufferSize),
		state:        StateConnecting,
		lastActivity: now,
	}

	if err := b.registry.Admit(s, b.cfg.Admission); err != nil {
		var denied *ErrAdmissionDenied
		if errors.As(err, &denied) {
			b.metrics.admissionDenied(ctx, denied.Reason)
		}
		return nil, err
	}

	container, err := b.runtime.Provision(ctx, s.ID, containerEnv(creds, env))
	if err != nil {
		b.registry.Remove(s.ID)
		b.setState(s, StateTerminated)
		return nil, &ErrProvisionFailed{Err: err}
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Shutdown tore the session down while the container was
		// being provisioned; nothing else will release it.
		s.mu.Unlock()
		b.releaseAbandoned(s, container, nil)
		return nil, ErrShuttingDown
	}
	s.Container = container
	s.mu.Unlock()

	stream, err := b.runtime.OpenShell(ctx, container, cols, rows)
	if err != nil {
		if terr := b.runtime.Terminate(ctx, container); terr != nil {
			b.log.Warn("terminate after failed shell launch", "session", s.ID, "error", terr)
		}
		b.registry.Remove(s.ID)
		b.setState(s, StateTerminated)
		return nil, &ErrShellFailed{Err: err}
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		b.releaseAbandoned(s, container, stream)
		return nil, ErrShuttingDown
	}
	s.Stream = stream
	s.mu.Unlock()

	go b.pumpOutput(s)

	b.metrics.sessionStarted(ctx)
	b.log.Info("session created", "session", s.ID)
	return s, nil
}

// containerEnv builds the complete container environment: the two
// credential variables plus the whitelisted client keys. The broker's
// own environment is never forwarded.
func containerEnv(creds Credentials, env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+2)
	for k, v := range env {
		out[k] = v
	}
	out[envAPIKey] = creds.APIKey
	out[envAccessToken] = creds.AccessToken
	return out
}

// releaseAbandoned frees a container provisioned for a session that
// was torn down while provisioning was still in flight. The caller's
// context is typically already cancelled at this point, so the
// termination runs under its own deadline.
func (b *Broker) releaseAbandoned(s *Session, container *Container, stream ExecStream) {
	if stream != nil {
		_ = stream.Close()
	}
	tctx, cancel := context.WithTimeout(context.Background(), b.cfg.StopTimeout)
	defer cancel()
	if err := b.runtime.Terminate(tctx, container); err != nil {
		b.log.Warn("terminate abandoned container", "session", s.ID, "error", err)
	}
}

// Resume validates a resume request and claims the session for attach.
// On success the session is still Orphaned with the attaching guard
// set; the caller must follow up with Attach or Detach. The generation
// bump defeats an orphan timer that fired but has not yet run.
func (b *Broker) Resume(ctx context.Context, sessionID, digest string) (*Session, error) {
	s, ok := b.registry.Get(sessionID)
	if !ok {
		return nil, &ErrResumeRejected{Reason: ReasonUnknownSession, SessionID: sessionID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Digest != digest {
		return nil, &ErrResumeRejected{Reason: ReasonDigestMismatch, SessionID: sessionID}
	}
	if s.attaching || s.state != StateOrphaned {
		return nil, &ErrResumeRejected{Reason: ReasonSessionBusy, SessionID: sessionID}
	}

	s.attaching = true
	s.generation++
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}

	b.metrics.sessionResumed(ctx)
	b.log.Info("session resumed", "session", s.ID)
	return s, nil
}

// Attach binds a socket to a Connecting or resuming session, making it
// Active. Exactly one socket is bound at any time.
func (b *Broker) Attach(s *Session, conn TerminalConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateConnecting, s.attaching && s.state == StateOrphaned:
		s.conn = conn
		s.state = StateActive
		s.attaching = false
		s.orphanDeadline = time.Time{}
		s.lastActivity = time.Now()
		return nil
	default:
		return &ErrResumeRejected{Reason: ReasonSessionBusy, SessionID: s.ID}
	}
}

// Detach is the disconnect path: the socket is gone but the container
// and buffer are retained. The session becomes Orphaned and the grace
// timer is armed. Calling Detach on a session that is already tearing
// down is a no-op.
func (b *Broker) Detach(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateActive:
		s.conn = nil
	case s.attaching && s.state == StateOrphaned:
		// Resume claimed the session but attach never completed.
		s.attaching = false
	default:
		return
	}

	s.state = StateOrphaned
	s.orphanDeadline = time.Now().Add(b.cfg.GraceInterval)
	s.generation++
	gen := s.generation
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
	}
	s.orphanTimer = time.AfterFunc(b.cfg.GraceInterval, func() {
		b.expireOrphan(s, gen)
	})

	b.log.Info("session orphaned", "session", s.ID, "deadline", s.orphanDeadline)
}

// expireOrphan runs when the grace timer fires. beginExpiry makes the
// expiry decision atomic with the transition to Terminating, so a
// resume that claimed the session between the timer firing and this
// callback running wins and the callback is a no-op.
func (b *Broker) expireOrphan(s *Session, gen uint64) {
	td, ok := s.beginExpiry(gen)
	if !ok {
		return
	}
	b.log.Info("orphan grace expired", "session", s.ID)
	b.release(context.Background(), s, causeOrphanExpired, td)
}

// Resize adjusts the session's PTY window.
func (b *Broker) Resize(ctx context.Context, s *Session, cols, rows uint16) error {
	return b.runtime.Resize(ctx, s.Container, cols, rows)
}

// pumpOutput is the session-owned outbound pump: it copies shell
// output into the ring buffer for the whole life of the session, so
// bytes produced while orphaned are retained for replay. Connection
// writers follow the buffer at their own offset. Stream EOF means the
// shell exited; the session is then torn down.
func (b *Broker) pumpOutput(s *Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.Stream.Read(buf)
		if n > 0 {
			s.Buffer.Append(buf[:n])
			b.metrics.output(context.Background(), n)
		}
		if err != nil {
			break
		}
	}

	s.Buffer.Close()
	b.log.Info("shell exited", "session", s.ID)
	b.terminate(context.Background(), s, causeShellExit)
}

// terminate drives Terminating → Terminated. Idempotent.
func (b *Broker) terminate(ctx context.Context, s *Session, cause string) {
	td, ok := s.beginTerminate()
	if !ok {
		return
	}
	b.release(ctx, s, cause, td)
}

// release finishes a teardown begun on the session: notify and close
// the socket as the cause dictates, close the exec stream, stop and
// remove the container, then drop the registry entry. Engine errors
// are logged and swallowed; removal proceeds regardless.
func (b *Broker) release(ctx context.Context, s *Session, cause string, td teardown) {
	b.wg.Add(1)
	defer b.wg.Done()

	if td.conn != nil {
		switch cause {
		case causeShutdown:
			_ = td.conn.WriteText(serverShutdownFrame)
			_ = td.conn.Close(CloseShuttingDown, "server shutting down")
		case causeInternal:
			_ = td.conn.Close(CloseInternalError, "internal error")
		case causeShellExit:
			// The connection writer drains the buffer and closes
			// with a normal status once it reaches end-of-stream.
		}
	}

	s.Buffer.Close()
	if td.stream != nil {
		_ = td.stream.Close()
	}

	if td.container != nil {
		tctx, cancel := context.WithTimeout(ctx, b.cfg.StopTimeout)
		if err := b.runtime.Terminate(tctx, td.container); err != nil {
			b.log.Warn("container termination", "session", s.ID, "error", err)
		}
		cancel()
	}

	b.setState(s, StateTerminated)
	b.registry.Remove(s.ID)
	b.metrics.sessionEnded(ctx, cause)
	b.log.Info("session terminated", "session", s.ID, "cause", cause)
}

func (b *Broker) setState(s *Session, state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start blocks until ctx is cancelled, periodically sweeping the
// registry for orphans whose deadline passed without the timer firing.
// It implements transport.Listener.
func (b *Broker) Start(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broker) sweep() {
	now := time.Now()
	for _, s := range b.registry.All() {
		s.mu.Lock()
		expired := s.state == StateOrphaned && !s.attaching &&
			!s.orphanDeadline.IsZero() && now.After(s.orphanDeadline)
		gen := s.generation
		s.mu.Unlock()
		if expired {
			b.log.Warn("sweeping expired orphan", "session", s.ID)
			b.expireOrphan(s, gen)
		}
	}
}

// Stop is the shutdown coordinator: refuse new sessions, notify every
// attached client, terminate every container with a bounded grace and
// wait until all terminations finish or ctx's hard deadline elapses.
func (b *Broker) Stop(ctx context.Context) error {
	b.closed.Store(true)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ShutdownGrace)
	defer cancel()

	sessions := b.registry.All()
	b.log.Info("shutting down", "sessions", len(sessions))

	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.terminate(ctx, s, causeShutdown)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serverShutdownFrame is the best-effort notice sent to attached
// clients before their socket is closed during shutdown.
var serverShutdownFrame = []byte(`{"type":"serverShutdown"}`)

// WebSocket close codes used by the broker and its handler.
const (
	CloseNormal         = 1000
	CloseInternalError  = 1011
	CloseAuthFailure    = 4001
	CloseAdmissionDeny  = 4002
	CloseResumeRejected = 4003
	CloseShuttingDown   = 4004
)
