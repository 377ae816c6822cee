package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Client speaks the command protocol over one connection. It is safe
// for concurrent use: calls are correlated by id, so responses may
// arrive in any order.
type Client struct {
	conn     net.Conn
	maxFrame int

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response
	readErr error
	closed  bool
}

// Dial connects to the daemon's command channel.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:     conn,
		maxFrame: DefaultMaxFrameSize,
		pending:  make(map[string]chan *Response),
	}
	go c.readLoop()
	return c
}

// readLoop routes inbound responses to their waiting callers.
func (c *Client) readLoop() {
	for {
		payload, err := ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			c.failAll(err)
			return
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.failAll(fmt.Errorf("malformed response frame: %w", err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call issues a command and waits for its response. A non-OK response
// is returned as a taxonomy error reconstructed from the wire form.
func (c *Client) Call(ctx context.Context, command string, params map[string]any) (json.RawMessage, error) {
	id := uuid.New().String()
	req := Request{ID: id, Command: command, Params: params}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = WriteFrame(c.conn, c.maxFrame, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("connection closed")
			}
			return nil, err
		}
		if !resp.OK {
			if resp.Error == nil {
				return nil, fmt.Errorf("command %s failed without error detail", command)
			}
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// CallInto issues a command and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, command string, params map[string]any, out any) error {
	result, err := c.Call(ctx, command, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, out)
}

// Close tears down the connection; outstanding calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
