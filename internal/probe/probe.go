// Package probe implements a scripted WebSocket client that exercises
// the terminal endpoint end to end: connect, authenticate, wait for
// shell output, type a command and verify the response. It backs the
// probe subcommand and the end-to-end tests.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hello is the server's handshake acknowledgement.
type Hello struct {
	SessionID string
	Resumed   bool
}

// A Client drives one probe connection. It is not safe for concurrent
// use; a probe is a single scripted conversation.
type Client struct {
	conn *websocket.Conn

	mu        sync.Mutex
	output    strings.Builder
	frames    chan frame
	closeCode int
	closeErr  error
	done      chan struct{}
}

type frame struct {
	text bool
	data []byte
}

// Dial connects to the terminal endpoint at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:      conn,
		frames:    make(chan frame, 64),
		closeCode: -1,
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.closeCode = closeErr.Code
			}
			c.closeErr = err
			c.mu.Unlock()
			close(c.frames)
			return
		}
		if messageType == websocket.BinaryMessage {
			c.mu.Lock()
			c.output.Write(data)
			c.mu.Unlock()
		}
		c.frames <- frame{text: messageType == websocket.TextMessage, data: data}
	}
}

// Auth sends the auth frame. sessionID may be empty for a fresh
// session.
func (c *Client) Auth(apiKey, accessToken, sessionID string, env map[string]string) error {
	payload, err := json.Marshal(struct {
		APIKey               string            `json:"apiKey"`
		AccessToken          string            `json:"accessToken"`
		SessionID            string            `json:"sessionId,omitempty"`
		EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	}{apiKey, accessToken, sessionID, env})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ExpectHello waits for the hello frame. Any other control frame first
// (typically an error frame) fails the probe with its contents.
func (c *Client) ExpectHello(ctx context.Context) (Hello, error) {
	for {
		f, err := c.nextFrame(ctx)
		if err != nil {
			return Hello{}, err
		}
		if !f.text {
			continue
		}
		var msg struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
			Resumed   bool   `json:"resumed"`
			Code      string `json:"code"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(f.data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "hello":
			return Hello{SessionID: msg.SessionID, Resumed: msg.Resumed}, nil
		case "error":
			return Hello{}, fmt.Errorf("server rejected probe (%s): %s", msg.Code, msg.Message)
		}
	}
}

// SendLine types a command followed by a carriage return, the way a
// terminal emulator submits input.
func (c *Client) SendLine(line string) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, []byte(line+"\r"))
}

// Resize sends a resize control frame.
func (c *Client) Resize(cols, rows int) error {
	payload, _ := json.Marshal(struct {
		Type string `json:"type"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}{"resize", cols, rows})
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
}

// ExpectPong waits for the pong reply.
func (c *Client) ExpectPong(ctx context.Context) error {
	for {
		f, err := c.nextFrame(ctx)
		if err != nil {
			return err
		}
		if !f.text {
			continue
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f.data, &msg) == nil && msg.Type == "pong" {
			return nil
		}
	}
}

// WaitForOutput blocks until the accumulated terminal output contains
// substr or ctx expires.
func (c *Client) WaitForOutput(ctx context.Context, substr string) error {
	for {
		c.mu.Lock()
		found := strings.Contains(c.output.String(), substr)
		c.mu.Unlock()
		if found {
			return nil
		}

		select {
		case _, ok := <-c.frames:
			if !ok {
				return fmt.Errorf("connection closed waiting for %q: %w", substr, c.err())
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %q in output", substr)
		}
	}
}

// Output returns all terminal bytes received so far.
func (c *Client) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.String()
}

// CloseCode blocks until the connection ends and returns the close
// status sent by the server, or -1 if the connection dropped without a
// close frame.
func (c *Client) CloseCode(ctx context.Context) (int, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, nil
}

// Close sends a normal close frame and closes the socket.
func (c *Client) Close() error {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}

func (c *Client) nextFrame(ctx context.Context) (frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return frame{}, fmt.Errorf("connection closed: %w", c.err())
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
