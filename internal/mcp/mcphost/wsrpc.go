package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// wsProtocolVersion is the MCP protocol revision announced during the
// websocket initialize handshake.
const wsProtocolVersion = "2025-06-18"

// wsReadLimit caps a single inbound frame at 1 MiB.
const wsReadLimit = 1 << 20

// errWSClosed is returned by calls made on (or interrupted by) a closed
// websocket session.
var errWSClosed = errors.New("websocket session closed")

// ─── wire types ───

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"` // omitted for notifications
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// wsFrame is an inbound message: a response carries an ID and result/error, a
// server-initiated request or notification carries a method.
type wsFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *wsError        `json:"error"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

type wsInitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      wsClientInfo   `json:"clientInfo"`
}

type wsClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type wsTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type wsListToolsResult struct {
	Tools []wsTool `json:"tools"`
}

type wsCallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type wsContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wsCallToolResult struct {
	Content []wsContent `json:"content"`
	IsError bool        `json:"isError,omitempty"`
}

// ─── session ───

// wsSession is one JSON-RPC session over a websocket connection. Requests are
// correlated to responses by ID; a background receive loop routes responses
// to the callers waiting on them.
type wsSession struct {
	conn   *websocket.Conn
	cancel context.CancelFunc // stops the receive loop

	// writeMu serialises frame writes; reads stay on the receive loop.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan wsFrame
	closed  bool

	nextID    atomic.Int64
	closeOnce sync.Once
}

// dialWS connects to a websocket MCP server and completes the initialize
// handshake.
func dialWS(ctx context.Context, url string) (*wsSession, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(wsReadLimit)

	// The receive loop must outlive the dial context.
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:    conn,
		cancel:  cancel,
		pending: make(map[int64]chan wsFrame),
	}
	go s.receiveLoop(loopCtx)

	if _, err := s.call(ctx, "initialize", wsInitializeParams{
		ProtocolVersion: wsProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      wsClientInfo{Name: "polyvox-mcphost", Version: "1.0.0"},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := s.notify(ctx, "notifications/initialized", nil); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return s, nil
}

// receiveLoop reads frames until the connection drops, routing responses to
// the callers waiting on them. Server-initiated requests and notifications
// are ignored; an unreadable frame is skipped rather than killing the
// session.
func (s *wsSession) receiveLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.failPending()
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Method != "" || frame.ID == 0 {
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[frame.ID]
		if ok {
			delete(s.pending, frame.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

// failPending marks the session closed and unblocks every in-flight call.
func (s *wsSession) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- wsFrame{ID: id, Error: &wsError{Code: -1, Message: errWSClosed.Error()}}
	}
}

// call sends one request and waits for the matching response.
func (s *wsSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errWSClosed
	}
	id := s.nextID.Add(1)
	ch := make(chan wsFrame, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(ctx, wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	case frame := <-ch:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	}
}

// notify sends a request without an ID; the server will not answer it.
func (s *wsSession) notify(ctx context.Context, method string, params any) error {
	return s.write(ctx, wsRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *wsSession) write(ctx context.Context, req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Method, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// listTools fetches the server's tool catalogue.
func (s *wsSession) listTools(ctx context.Context) ([]wsTool, error) {
	raw, err := s.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var res wsListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return res.Tools, nil
}

// callTool executes one tool and concatenates the text blocks of the result.
// A result flagged isError comes back as a Go error so callers count it
// against server health.
func (s *wsSession) callTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	raw, err := s.call(ctx, "tools/call", wsCallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return "", err
	}
	var res wsCallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode tools/call result: %w", err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("tool %q reported an error: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close tears down the connection and unblocks any in-flight calls. It is
// safe to call multiple times.
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "host shutting down")
		s.failPending()
	})
	return nil
}
