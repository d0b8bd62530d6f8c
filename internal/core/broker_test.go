package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStream is a scripted shell: the test writes output through pw
// and collects stdin written by the broker's callers.
type fakeStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu    sync.Mutex
	stdin []byte
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{pr: pr, pw: pw}
}

func (s *fakeStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdin = append(s.stdin, p...)
	return len(p), nil
}

func (s *fakeStream) Close() error {
	s.pr.Close()
	return nil
}

// emit plays shell output, exit ends the shell.
func (s *fakeStream) emit(out string) { _, _ = s.pw.Write([]byte(out)) }
func (s *fakeStream) exit()           { _ = s.pw.Close() }

type fakeRuntime struct {
	mu          sync.Mutex
	provisioned []string
	terminated  []string
	streams     map[string]*fakeStream
	resizes     [][2]uint16

	provisionErr error
	shellErr     error

	// When set, Provision signals provisionEntered and then blocks
	// until provisionRelease is closed, so tests can interleave
	// shutdown with an in-flight provision.
	provisionEntered chan struct{}
	provisionRelease chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{streams: make(map[string]*fakeStream)}
}

func (r *fakeRuntime) Provision(_ context.Context, sessionID string, _ map[string]string) (*Container, error) {
	if r.provisionEntered != nil {
		r.provisionEntered <- struct{}{}
	}
	if r.provisionRelease != nil {
		<-r.provisionRelease
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.provisionErr != nil {
		return nil, r.provisionErr
	}
	id := "ctr-" + sessionID
	r.provisioned = append(r.provisioned, id)
	return &Container{ID: id}, nil
}

func (r *fakeRuntime) OpenShell(_ context.Context, c *Container, _, _ uint16) (ExecStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shellErr != nil {
		return nil, r.shellErr
	}
	s := newFakeStream()
	r.streams[c.ID] = s
	return s, nil
}

func (r *fakeRuntime) Resize(_ context.Context, _ *Container, cols, rows uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, [2]uint16{cols, rows})
	return nil
}

func (r *fakeRuntime) Terminate(_ context.Context, c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, c.ID)
	if s, ok := r.streams[c.ID]; ok {
		s.exit()
	}
	return nil
}

func (r *fakeRuntime) terminatedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.terminated...)
}

func (r *fakeRuntime) stream(c *Container) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[c.ID]
}

// fakeConn records everything the broker sends to the client.
type fakeConn struct {
	mu        sync.Mutex
	binary    []byte
	texts     []string
	closeCode int
	closed    bool
}

func (c *fakeConn) WriteBinary(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, p...)
	return nil
}

func (c *fakeConn) WriteText(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, string(p))
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) receivedText(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.texts {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func testCreds() Credentials {
	return Credentials{APIKey: "app.key:secret", AccessToken: "token"}
}

func newTestBroker(runtime *fakeRuntime, cfg BrokerConfig) *Broker {
	return NewBroker(runtime, cfg, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBroker_CreateAttachLifecycle(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := s.State(); got != StateConnecting {
		t.Errorf("state after create = %v, want %v", got, StateConnecting)
	}
	if b.Registry().Count() != 1 {
		t.Errorf("registry count = %d, want 1", b.Registry().Count())
	}

	conn := &fakeConn{}
	if err := b.Attach(s, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state after attach = %v, want %v", got, StateActive)
	}
	if s.Conn() != conn {
		t.Error("attached socket not exposed by the session")
	}

	// Shell output lands in the session buffer.
	runtime.stream(s.Container).emit("$ ")
	waitFor(t, "output in buffer", func() bool {
		return strings.Contains(string(s.Buffer.Snapshot()), "$ ")
	})
}

func TestBroker_CreateProvisionFailure(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.provisionErr = errors.New("engine down")
	b := newTestBroker(runtime, BrokerConfig{})

	_, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	var pf *ErrProvisionFailed
	if !errors.As(err, &pf) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
	if b.Registry().Count() != 0 {
		t.Errorf("failed create left a registry entry")
	}
}

func TestBroker_CreateShellFailureCleansUpContainer(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.shellErr = errors.New("exec refused")
	b := newTestBroker(runtime, BrokerConfig{})

	_, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	var sf *ErrShellFailed
	if !errors.As(err, &sf) {
		t.Fatalf("expected ErrShellFailed, got %v", err)
	}
	if b.Registry().Count() != 0 {
		t.Errorf("failed create left a registry entry")
	}
	if got := runtime.terminatedIDs(); len(got) != 1 {
		t.Errorf("provisioned container not cleaned up, terminated=%v", got)
	}
}

func TestBroker_AdmissionCaps(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{
		Admission: AdmissionPolicy{MaxTotal: 10, MaxPerCredential: 1},
	})

	if _, err := b.Create(context.Background(), testCreds(), nil, 80, 24); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	var denied *ErrAdmissionDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected ErrAdmissionDenied, got %v", err)
	}
	if denied.Reason != ReasonPerCredentialCap {
		t.Errorf("reason = %q, want %q", denied.Reason, ReasonPerCredentialCap)
	}

	// Another credential pair still fits.
	other := Credentials{APIKey: "app.other:secret", AccessToken: "token"}
	if _, err := b.Create(context.Background(), other, nil, 80, 24); err != nil {
		t.Errorf("unrelated credential denied: %v", err)
	}
}

func TestBroker_DetachResumeRoundTrip(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{GraceInterval: time.Minute})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	b.Detach(s)
	if got := s.State(); got != StateOrphaned {
		t.Fatalf("state after detach = %v, want %v", got, StateOrphaned)
	}
	if s.OrphanDeadline().IsZero() {
		t.Error("detach did not arm the orphan deadline")
	}
	if s.Conn() != nil {
		t.Error("orphaned session still exposes a socket")
	}

	// Output produced while orphaned is retained for replay.
	runtime.stream(s.Container).emit("ran in background\n")
	waitFor(t, "orphan output buffered", func() bool {
		return strings.Contains(string(s.Buffer.Snapshot()), "ran in background")
	})

	resumed, err := b.Resume(context.Background(), s.ID, testCreds().Digest())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := b.Attach(resumed, &fakeConn{}); err != nil {
		t.Fatalf("Attach after resume: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state after resume attach = %v, want %v", got, StateActive)
	}
}

func TestBroker_ResumeRejections(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{GraceInterval: time.Minute})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	tests := []struct {
		name       string
		sessionID  string
		digest     string
		wantReason string
		setup      func()
	}{
		{
			name:       "unknown session",
			sessionID:  "nope",
			digest:     testCreds().Digest(),
			wantReason: ReasonUnknownSession,
		},
		{
			name:       "digest mismatch",
			sessionID:  s.ID,
			digest:     Digest("app.key:wrong", "token"),
			wantReason: ReasonDigestMismatch,
		},
		{
			name:       "still attached",
			sessionID:  s.ID,
			digest:     testCreds().Digest(),
			wantReason: ReasonSessionBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Resume(context.Background(), tt.sessionID, tt.digest)
			var rejected *ErrResumeRejected
			if !errors.As(err, &rejected) {
				t.Fatalf("expected ErrResumeRejected, got %v", err)
			}
			if rejected.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", rejected.Reason, tt.wantReason)
			}
		})
	}
}

func TestBroker_ResumeClaimBlocksSecondResume(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{GraceInterval: time.Minute})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	b.Detach(s)

	if _, err := b.Resume(context.Background(), s.ID, testCreds().Digest()); err != nil {
		t.Fatalf("first resume: %v", err)
	}

	_, err = b.Resume(context.Background(), s.ID, testCreds().Digest())
	var rejected *ErrResumeRejected
	if !errors.As(err, &rejected) || rejected.Reason != ReasonSessionBusy {
		t.Fatalf("second resume should be busy, got %v", err)
	}
}

func TestBroker_OrphanExpiryTerminates(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{GraceInterval: 20 * time.Millisecond})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	b.Detach(s)

	waitFor(t, "orphan to expire", func() bool {
		return b.Registry().Count() == 0
	})
	if got := runtime.terminatedIDs(); len(got) != 1 {
		t.Errorf("expired orphan's container not terminated: %v", got)
	}

	// The expired session can no longer be resumed.
	_, err = b.Resume(context.Background(), s.ID, testCreds().Digest())
	var rejected *ErrResumeRejected
	if !errors.As(err, &rejected) || rejected.Reason != ReasonUnknownSession {
		t.Errorf("resume after expiry = %v, want unknown session", err)
	}
}

func TestBroker_ResumeWinsTimerRace(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{GraceInterval: 30 * time.Millisecond})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	b.Detach(s)

	// Resume just before the deadline, then confirm the stale timer
	// callback does not tear the session down.
	time.Sleep(15 * time.Millisecond)
	if _, err := b.Resume(context.Background(), s.ID, testCreds().Digest()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := s.State(); got != StateActive {
		t.Errorf("state after stale timer window = %v, want %v", got, StateActive)
	}
	if b.Registry().Count() != 1 {
		t.Errorf("resumed session dropped from registry")
	}
}

func TestBroker_ExpiryLosesToResumeClaim(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{GraceInterval: time.Minute})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	b.Detach(s)

	// Replay the window where the grace timer has fired but its
	// callback has not yet run when a resume claims the session.
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	if _, err := b.Resume(context.Background(), s.ID, testCreds().Digest()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	b.expireOrphan(s, gen)

	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("attach after claimed resume: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state = %v, want %v", got, StateActive)
	}
	if b.Registry().Count() != 1 {
		t.Errorf("claimed session dropped from registry")
	}
	if got := runtime.terminatedIDs(); len(got) != 0 {
		t.Errorf("claimed session's container terminated: %v", got)
	}
}

func TestBroker_ShellExitTearsDown(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	stream := runtime.stream(s.Container)
	stream.emit("goodbye\n")
	stream.exit()

	waitFor(t, "session teardown after shell exit", func() bool {
		return b.Registry().Count() == 0
	})
	if got := runtime.terminatedIDs(); len(got) != 1 {
		t.Errorf("container not removed after shell exit: %v", got)
	}

	// The buffer still serves the final output, then reports EOF.
	data, next, _ := s.Buffer.Next(s.Buffer.TailOffset())
	if !strings.Contains(string(data), "goodbye") {
		t.Errorf("final output lost: %q", data)
	}
	if data, _, wait := s.Buffer.Next(next); data != nil || wait != nil {
		t.Error("drained buffer should report end-of-stream")
	}
}

func TestBroker_StopNotifiesAndTerminatesAll(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{})

	conns := make([]*fakeConn, 0, 3)
	for i := 0; i < 3; i++ {
		creds := Credentials{APIKey: fmt.Sprintf("app.k%d:secret", i), AccessToken: "token"}
		s, err := b.Create(context.Background(), creds, nil, 80, 24)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		conn := &fakeConn{}
		if err := b.Attach(s, conn); err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if b.Registry().Count() != 0 {
		t.Errorf("registry not empty after stop: %d", b.Registry().Count())
	}
	if got := runtime.terminatedIDs(); len(got) != 3 {
		t.Errorf("terminated %d containers, want 3", len(got))
	}
	for i, conn := range conns {
		if !conn.receivedText("serverShutdown") {
			t.Errorf("conn %d missed the shutdown notice", i)
		}
		closed, code := conn.closedWith()
		if !closed || code != CloseShuttingDown {
			t.Errorf("conn %d closed=%v code=%d, want %d", i, closed, code, CloseShuttingDown)
		}
	}

	// New sessions are refused once shutdown has begun.
	_, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("create during shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestBroker_StopDuringProvisionReleasesContainer(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.provisionEntered = make(chan struct{})
	runtime.provisionRelease = make(chan struct{})
	b := newTestBroker(runtime, BrokerConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
		errCh <- err
	}()

	// Shutdown lands while the engine is still provisioning.
	<-runtime.provisionEntered
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(runtime.provisionRelease)

	if err := <-errCh; !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("create racing shutdown = %v, want ErrShuttingDown", err)
	}
	if b.Registry().Count() != 0 {
		t.Errorf("registry not empty after stop: %d", b.Registry().Count())
	}
	// The container that finished provisioning after shutdown must
	// still be stopped and removed.
	if got := runtime.terminatedIDs(); len(got) != 1 {
		t.Errorf("abandoned container not terminated: %v", got)
	}
}

func TestBroker_SweepCollectsMissedDeadline(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{GraceInterval: 10 * time.Millisecond})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Attach(s, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Simulate a missed timer: orphan the session, defuse the timer,
	// and let the sweep find the stale deadline.
	b.Detach(s)
	s.mu.Lock()
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
	}
	s.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	b.sweep()

	if b.Registry().Count() != 0 {
		t.Errorf("sweep did not collect the expired orphan")
	}
}

func TestBroker_StdinReachesShell(t *testing.T) {
	runtime := newFakeRuntime()
	b := newTestBroker(runtime, BrokerConfig{})

	s, err := b.Create(context.Background(), testCreds(), nil, 80, 24)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Stream.Write([]byte("ably help\r")); err != nil {
		t.Fatalf("stdin write: %v", err)
	}

	stream := runtime.stream(s.Container)
	stream.mu.Lock()
	got := string(stream.stdin)
	stream.mu.Unlock()
	if got != "ably help\r" {
		t.Errorf("shell received %q", got)
	}
}
