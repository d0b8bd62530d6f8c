// Package handler implements the WebSocket terminal endpoint: the
// authentication handshake, the per-connection pumps and the control
// frame protocol, plus the operational routes (health, metrics).
package handler

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ably/cli-terminal-server/internal/core"
)

// authFrame is the first text frame on every connection. SessionID is
// set only when the client wants to resume an earlier session.
type authFrame struct {
	APIKey               string            `json:"apiKey"`
	AccessToken          string            `json:"accessToken"`
	SessionID            string            `json:"sessionId,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
}

// parseAuthFrame decodes and structurally validates the auth frame.
func parseAuthFrame(data []byte) (authFrame, *core.ErrAuth) {
	var frame authFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return authFrame{}, &core.ErrAuth{Reason: core.ReasonAuthMalformed, Message: "auth frame is not valid JSON"}
	}
	if frame.APIKey == "" || frame.AccessToken == "" {
		return authFrame{}, &core.ErrAuth{Reason: core.ReasonAuthMalformed, Message: "apiKey and accessToken are required"}
	}
	return frame, nil
}

// Client environment keys forwarded into the container. Everything
// else from the auth frame is dropped.
var envAllowed = map[string]bool{
	"LANG":      true,
	"TERM":      true,
	"COLORTERM": true,
}

const envAllowedPrefix = "ABLY_WEB_CLI_"

// filterEnvironment keeps only the whitelisted client variables.
func filterEnvironment(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if envAllowed[k] || strings.HasPrefix(k, envAllowedPrefix) {
			out[k] = v
		}
	}
	return out
}

// inboundKind classifies a client frame after the handshake.
type inboundKind int

const (
	inboundStdin inboundKind = iota
	inboundResize
	inboundPing
)

type inboundMessage struct {
	kind inboundKind
	data []byte
	cols uint16
	rows uint16
}

// parseInbound classifies a post-handshake client frame. Binary frames
// and text frames without a recognised control type are stdin payload;
// keystrokes that happen to look like JSON must reach the shell intact.
func parseInbound(messageType int, data []byte) inboundMessage {
	if messageType != websocket.TextMessage {
		return inboundMessage{kind: inboundStdin, data: data}
	}

	var ctrl struct {
		Type string `json:"type"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}
	if err := json.Unmarshal(data, &ctrl); err != nil {
		return inboundMessage{kind: inboundStdin, data: data}
	}

	switch ctrl.Type {
	case "resize":
		if ctrl.Cols < 1 || ctrl.Cols > 65535 || ctrl.Rows < 1 || ctrl.Rows > 65535 {
			// Out-of-range dimensions are dropped, not fatal.
			return inboundMessage{kind: inboundResize}
		}
		return inboundMessage{kind: inboundResize, cols: uint16(ctrl.Cols), rows: uint16(ctrl.Rows)}
	case "ping":
		return inboundMessage{kind: inboundPing}
	default:
		return inboundMessage{kind: inboundStdin, data: data}
	}
}

func helloFrame(sessionID string, resumed bool) []byte {
	frame, _ := json.Marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Resumed   bool   `json:"resumed"`
	}{Type: "hello", SessionID: sessionID, Resumed: resumed})
	return frame
}

func errorFrame(code, message string) []byte {
	frame, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Type: "error", Code: code, Message: message})
	return frame
}

var pongFrame = []byte(`{"type":"pong"}`)

// controlWriteTimeout bounds close frame delivery on a dead peer.
const controlWriteTimeout = time.Second

// wsConn adapts a gorilla connection to core.TerminalConn. Gorilla
// permits one concurrent writer, so all writes go through mu; the
// session's buffer writer and the inbound pump's pong replies share it.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteBinary(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (c *wsConn) WriteText(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

// Close sends a close frame with the given status and closes the
// socket. Idempotent; later calls are no-ops.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
	return c.conn.Close()
}
