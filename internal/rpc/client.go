package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/victorarias/dev-sessions/internal/logging"
)

const (
	// requestTimeout is the per-request deadline; expiry removes the
	// pending entry and rejects the caller.
	requestTimeout = 60 * time.Second

	// closeGrace is how long a graceful close may take before the socket
	// is torn down hard.
	closeGrace = 500 * time.Millisecond
)

// TurnResult is one observed or synthesized turn completion.
type TurnResult struct {
	TimedOut      bool
	Status        string // completed, failed, interrupted
	ErrorMessage  string
	ThreadID      string
	TurnID        string
	AssistantText string
}

type pendingRequest struct {
	method string
	ch     chan response
	timer  *time.Timer
}

type response struct {
	result json.RawMessage
	err    error
}

type turnWaiter struct {
	expectedThreadID string
	expectedTurnID   string
	ch               chan TurnResult
	timer            *time.Timer
}

// rpcFrame is one JSON-RPC 2.0 message in either direction.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is one WebSocket connection to the daemon: one request/response
// correlation domain and one stream of turn notifications. Writes to the
// socket are serialized; the read loop runs concurrently.
type Client struct {
	conn *websocket.Conn
	log  *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
	waiters []*turnWaiter

	currentTurnText strings.Builder
	turnStatus      string
	turnError       string
	turnThreadID    string
	turnID          string

	closing bool
	closed  bool
}

// Dial opens a connection and starts the read loop. The caller owns the
// client and must Close it.
func Dial(ctx context.Context, url string, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Discard()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing daemon at %s: %w", url, err)
	}
	conn.SetReadLimit(16 << 20)

	c := &Client{
		conn:    conn,
		log:     log,
		pending: make(map[int64]*pendingRequest),
	}
	go c.readLoop()
	return c, nil
}

// Call issues a request and blocks for its response, the 60 s request
// deadline, or ctx cancellation, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: connection closed", method)
	}
	c.nextID++
	id := c.nextID
	req := &pendingRequest{method: method, ch: make(chan response, 1)}
	req.timer = time.AfterFunc(requestTimeout, func() {
		c.mu.Lock()
		if _, ok := c.pending[id]; ok {
			delete(c.pending, id)
			req.ch <- response{err: fmt.Errorf("%s timed out after %s", method, requestTimeout)}
		}
		c.mu.Unlock()
	})
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.write(ctx, rpcFrame{JSONRPC: "2.0", ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		req.timer.Stop()
		c.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-req.ch:
		return resp.result, resp.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		req.timer.Stop()
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Notify issues a request with no id; no response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.write(ctx, rpcFrame{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

func (c *Client) write(ctx context.Context, frame rpcFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var frame rpcFrame
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				c.log.Debugf("rpc: dropping unparseable frame: %v", err)
				continue
			}
			c.handleFrame(&frame)
		}
	}
}

func (c *Client) handleFrame(frame *rpcFrame) {
	if frame.ID != nil && frame.Method == "" {
		c.handleResponse(frame)
		return
	}
	if frame.Method != "" {
		c.handleNotification(frame)
	}
}

func (c *Client) handleResponse(frame *rpcFrame) {
	c.mu.Lock()
	req, ok := c.pending[*frame.ID]
	if ok {
		delete(c.pending, *frame.ID)
		req.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("rpc: dropping response for unknown id %d", *frame.ID)
		return
	}
	if frame.Error != nil {
		req.ch <- response{err: fmt.Errorf("%s failed: %s", req.method, frame.Error.Message)}
		return
	}
	req.ch <- response{result: frame.Result}
}

type turnNotification struct {
	ThreadID string `json:"threadId"`
	Delta    string `json:"delta"`
	Turn     struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"turn"`
}

func (c *Client) handleNotification(frame *rpcFrame) {
	var note turnNotification
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &note); err != nil {
			c.log.Debugf("rpc: dropping %s params: %v", frame.Method, err)
			return
		}
	}

	switch frame.Method {
	case "item/agentMessage/delta":
		c.mu.Lock()
		c.currentTurnText.WriteString(note.Delta)
		c.mu.Unlock()

	case "turn/started":
		c.mu.Lock()
		c.turnStatus = ""
		c.turnError = ""
		c.currentTurnText.Reset()
		c.turnThreadID = note.ThreadID
		c.turnID = note.Turn.ID
		c.mu.Unlock()

	case "turn/completed":
		c.completeTurn(&note)
	}
}

// completeTurn records the completion and resolves the waiters whose
// expectations match. A completion for a thread no waiter is watching is
// ignored so cross-thread traffic on the shared daemon cannot resolve
// someone else's wait.
func (c *Client) completeTurn(note *turnNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turnStatus = note.Turn.Status
	c.turnThreadID = note.ThreadID
	c.turnID = note.Turn.ID
	c.turnError = ""
	if note.Turn.Error != nil {
		c.turnError = note.Turn.Error.Message
	}

	result := TurnResult{
		Status:        c.turnStatus,
		ErrorMessage:  c.turnError,
		ThreadID:      note.ThreadID,
		TurnID:        note.Turn.ID,
		AssistantText: c.currentTurnText.String(),
	}

	var kept []*turnWaiter
	for _, w := range c.waiters {
		if waiterMatches(w, note.ThreadID, note.Turn.ID) {
			w.timer.Stop()
			w.ch <- result
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

func waiterMatches(w *turnWaiter, threadID, turnID string) bool {
	if w.expectedThreadID != "" && w.expectedThreadID != threadID {
		return false
	}
	if w.expectedTurnID != "" && w.expectedTurnID != turnID {
		return false
	}
	return true
}

// WaitForTurnCompletion blocks until a matching turn/completed arrives or
// timeout fires. A completion already observed on this connection that
// matches the expectations returns immediately; an empty expectation
// matches anything.
func (c *Client) WaitForTurnCompletion(timeout time.Duration, expectedThreadID, expectedTurnID string) TurnResult {
	c.mu.Lock()
	if c.turnStatus != "" &&
		(expectedThreadID == "" || c.turnThreadID == expectedThreadID) &&
		(expectedTurnID == "" || c.turnID == expectedTurnID) {
		result := TurnResult{
			Status:        c.turnStatus,
			ErrorMessage:  c.turnError,
			ThreadID:      c.turnThreadID,
			TurnID:        c.turnID,
			AssistantText: c.currentTurnText.String(),
		}
		c.mu.Unlock()
		return result
	}

	w := &turnWaiter{
		expectedThreadID: expectedThreadID,
		expectedTurnID:   expectedTurnID,
		ch:               make(chan TurnResult, 1),
	}
	w.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		for i, cand := range c.waiters {
			if cand == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				c.turnStatus = "interrupted"
				c.turnError = fmt.Sprintf("Timed out waiting for turn completion after %s", timeout)
				w.ch <- TurnResult{
					TimedOut:     true,
					Status:       "interrupted",
					ErrorMessage: c.turnError,
					ThreadID:     expectedThreadID,
					TurnID:       expectedTurnID,
				}
				break
			}
		}
		c.mu.Unlock()
	})
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return <-w.ch
}

// AssistantText returns the text accumulated from delta notifications
// since the last turn started.
func (c *Client) AssistantText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTurnText.String()
}

// fail rejects every pending request and resolves every waiter after the
// socket dies. A close the user initiated is not an error.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	userClose := c.closing
	for id, req := range c.pending {
		delete(c.pending, id)
		req.timer.Stop()
		if userClose {
			req.ch <- response{err: fmt.Errorf("%s: connection closed", req.method)}
		} else {
			req.ch <- response{err: fmt.Errorf("%s: connection lost: %w", req.method, cause)}
		}
	}
	for _, w := range c.waiters {
		w.timer.Stop()
		w.ch <- TurnResult{
			Status:       "failed",
			ErrorMessage: fmt.Sprintf("connection lost: %v", cause),
		}
	}
	c.waiters = nil
}

// Close attempts a graceful close, with a hard teardown after 500 ms.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.conn.Close(websocket.StatusNormalClosure, "") }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeGrace):
		return c.conn.CloseNow()
	}
}
