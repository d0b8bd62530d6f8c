package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ably/cli-terminal-server/internal/core"
)

// Default PTY geometry until the client sends its first resize.
const (
	defaultCols = 80
	defaultRows = 24
)

// Config holds the terminal endpoint's parameters.
type Config struct {
	// HandshakeTimeout bounds the wait for the auth frame after the
	// WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// Terminal is the WebSocket acceptor. It upgrades the connection, runs
// the authentication handshake, dispatches to the broker's create or
// resume path and then serves the attached session until disconnect.
type Terminal struct {
	broker   *core.Broker
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewTerminal returns the terminal endpoint handler.
func NewTerminal(broker *core.Broker, cfg Config) *Terminal {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Terminal{
		broker: broker,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Origin policy is enforced by the CORS layer in front of
			// the mux; the upgrader accepts all origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: slog.Default().With("component", "terminal"),
	}
}

func (t *Terminal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws)
	t.handshake(r.Context(), ws, conn)
}

// handshake reads and validates the auth frame, then hands off to the
// create or resume path. Every failure sends an error frame followed by
// a close frame whose status identifies the failure class.
func (t *Terminal) handshake(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	_ = ws.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))

	messageType, data, err := ws.ReadMessage()
	if err != nil {
		_ = conn.Close(core.CloseAuthFailure, "auth frame required")
		return
	}
	if messageType != websocket.TextMessage {
		t.reject(conn, core.CloseAuthFailure, core.ReasonAuthMalformed, "auth frame must be a text frame")
		return
	}

	frame, authErr := parseAuthFrame(data)
	if authErr != nil {
		t.reject(conn, core.CloseAuthFailure, authErr.Reason, authErr.Message)
		return
	}

	creds := core.Credentials{APIKey: frame.APIKey, AccessToken: frame.AccessToken}
	if !creds.Valid() {
		t.reject(conn, core.CloseAuthFailure, core.ReasonAuthRejected, "credentials rejected")
		return
	}

	_ = ws.SetReadDeadline(time.Time{})

	if frame.SessionID != "" {
		t.resume(ctx, ws, conn, frame.SessionID, creds.Digest())
		return
	}
	t.create(ctx, ws, conn, creds, filterEnvironment(frame.EnvironmentVariables))
}

func (t *Terminal) create(ctx context.Context, ws *websocket.Conn, conn *wsConn, creds core.Credentials, env map[string]string) {
	s, err := t.broker.Create(ctx, creds, env, defaultCols, defaultRows)
	if err != nil {
		t.rejectCreate(conn, err)
		return
	}

	if err := t.broker.Attach(s, conn); err != nil {
		t.log.Error("attach fresh session", "session", s.ID, "error", err)
		_ = conn.Close(core.CloseInternalError, "internal error")
		t.broker.Detach(s)
		return
	}

	if err := conn.WriteText(helloFrame(s.ID, false)); err != nil {
		t.broker.Detach(s)
		return
	}

	t.serve(ws, conn, s)
}

func (t *Terminal) resume(ctx context.Context, ws *websocket.Conn, conn *wsConn, sessionID, digest string) {
	s, err := t.broker.Resume(ctx, sessionID, digest)
	if err != nil {
		var rejected *core.ErrResumeRejected
		if errors.As(err, &rejected) {
			t.reject(conn, core.CloseResumeRejected, rejected.Reason, rejected.Error())
			return
		}
		t.reject(conn, core.CloseInternalError, core.ReasonInternal, "internal error")
		return
	}

	if err := t.broker.Attach(s, conn); err != nil {
		// Resume claimed the session; release the claim so the grace
		// timer is re-armed instead of leaking an unclaimed orphan.
		t.broker.Detach(s)
		t.reject(conn, core.CloseResumeRejected, core.ReasonSessionBusy, "session is busy")
		return
	}

	if err := conn.WriteText(helloFrame(s.ID, true)); err != nil {
		t.broker.Detach(s)
		return
	}

	t.serve(ws, conn, s)
}

func (t *Terminal) reject(conn *wsConn, code int, reason, message string) {
	_ = conn.WriteText(errorFrame(reason, message))
	_ = conn.Close(code, reason)
}

func (t *Terminal) rejectCreate(conn *wsConn, err error) {
	var denied *core.ErrAdmissionDenied
	var provision *core.ErrProvisionFailed
	var shell *core.ErrShellFailed

	switch {
	case errors.Is(err, core.ErrShuttingDown):
		t.reject(conn, core.CloseShuttingDown, core.ReasonInternal, "server is shutting down")
	case errors.As(err, &denied):
		t.reject(conn, core.CloseAdmissionDeny, denied.Reason, denied.Error())
	case errors.As(err, &provision):
		t.log.Error("provision failed", "error", err)
		t.reject(conn, core.CloseInternalError, core.ReasonProvisionFailed, "could not provision session")
	case errors.As(err, &shell):
		t.log.Error("shell launch failed", "error", err)
		t.reject(conn, core.CloseInternalError, core.ReasonShellFailed, "could not start shell")
	default:
		t.log.Error("create failed", "error", err)
		t.reject(conn, core.CloseInternalError, core.ReasonInternal, "internal error")
	}
}

// serve runs both halves of an attached session: a writer goroutine
// following the session's output buffer and the inbound loop on this
// goroutine. It returns when the socket drops or the shell exits, after
// detaching the session.
func (t *Terminal) serve(ws *websocket.Conn, conn *wsConn, s *core.Session) {
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.followBuffer(conn, s, stop)
	}()

	t.readLoop(ws, conn, s)

	close(stop)
	t.broker.Detach(s)
	// Unblock the writer if it is parked on a buffer wait.
	_ = conn.Close(core.CloseNormal, "")
	<-writerDone
}

// followBuffer streams buffered output to the socket, starting with the
// retained tail. Offsets make the replay a strict prefix of what
// follows: a fresh session starts at zero, a resumed one at the oldest
// retained byte, and either way the writer then follows the live
// stream. Buffer end-of-stream means the shell exited, which closes the
// socket with a normal status.
func (t *Terminal) followBuffer(conn *wsConn, s *core.Session, stop <-chan struct{}) {
	offset := s.Buffer.TailOffset()
	for {
		data, next, wait := s.Buffer.Next(offset)
		if data != nil {
			if err := conn.WriteBinary(data); err != nil {
				return
			}
			offset = next
			continue
		}
		if wait == nil {
			_ = conn.Close(core.CloseNormal, "shell exited")
			return
		}
		select {
		case <-wait:
		case <-stop:
			return
		}
	}
}

// readLoop pumps client frames: stdin to the shell, resize to the
// runtime, ping to an immediate pong. It returns on any read error,
// covering both clean closes and dropped peers.
func (t *Terminal) readLoop(ws *websocket.Conn, conn *wsConn, s *core.Session) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.Touch()

		msg := parseInbound(messageType, data)
		switch msg.kind {
		case inboundStdin:
			if len(msg.data) == 0 {
				continue
			}
			if _, err := s.Stream.Write(msg.data); err != nil {
				t.log.Warn("stdin write", "session", s.ID, "reason", core.ReasonTransportFailed, "error", err)
				return
			}
		case inboundResize:
			if msg.cols == 0 || msg.rows == 0 {
				continue
			}
			if err := t.broker.Resize(context.Background(), s, msg.cols, msg.rows); err != nil {
				t.log.Warn("resize", "session", s.ID, "error", err)
			}
		case inboundPing:
			if err := conn.WriteText(pongFrame); err != nil {
				return
			}
		}
	}
}
