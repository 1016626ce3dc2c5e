package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/adcplatform/adc/pkg/errors"
)

// Client issues requests over one duplex stream. Calls may run
// concurrently; replies are matched to callers by message id.
type Client struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *message
	closed  bool
	readErr error
}

// Dial connects to a module's unix socket endpoint.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.NewDependencyError("cannot reach module endpoint", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an already-connected stream, e.g. one end of
// net.Pipe in tests.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *message),
	}
	go c.readLoop()
	return c
}

// Call invokes a remote method and waits for its typed reply.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, errors.NewValidationError("unencodable arguments", err)
	}
	req := message{
		ID:     uuid.NewString(),
		Type:   TypeRequest,
		Method: method,
		Args:   encoded,
	}

	reply := make(chan *message, 1)
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return nil, errors.NewDependencyError("ipc connection is closed", err)
	}
	c.pending[req.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, errors.NewInternalError("cannot marshal request", err)
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, errors.NewDependencyError("cannot write to module endpoint", err)
	}

	select {
	case <-ctx.Done():
		return nil, errors.NewTimeoutError("ipc call cancelled", ctx.Err())
	case resp, ok := <-reply:
		if !ok {
			return nil, errors.NewDependencyError("ipc connection closed mid-call", c.readErr)
		}
		if resp.Type == TypeError {
			return nil, errors.NewInternalError(resp.Error, nil)
		}
		return DecodeValue(resp.Result)
	}
}

// Close tears the connection down; in-flight calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	reader := bufio.NewReaderSize(c.conn, 64<<10)
	var err error
	for {
		var line []byte
		line, err = readLine(reader)
		if err != nil {
			break
		}
		if len(line) == 0 {
			continue
		}
		var resp message
		if jsonErr := json.Unmarshal(line, &resp); jsonErr != nil {
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			reply <- &resp
		}
	}

	c.mu.Lock()
	c.closed = true
	c.readErr = err
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}
