package shepherd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/peterje/dbgmcp/internal/sessions"
)

// Client talks to a shepherd and implements sessions.Manager.
type Client struct {
	log     logr.Logger
	session *yamux.Session
}

// Dial connects to the shepherd listening on socketPath.
func Dial(log logr.Logger, socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to shepherd: %w", err)
	}
	return NewClient(log, conn)
}

// NewClient runs the client side of the protocol over conn.
func NewClient(log logr.Logger, conn net.Conn) (*Client, error) {
	session, err := yamux.Client(conn, yamuxConfig(log))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return &Client{log: log, session: session}, nil
}

// Close disconnects from the shepherd. Sessions keep running there.
func (c *Client) Close() error {
	return c.session.Close()
}

// Closed is closed when the connection to the shepherd is lost.
func (c *Client) Closed() <-chan struct{} {
	return c.session.CloseChan()
}

// call sends req on a new stream and waits for the response. Cancelling ctx
// closes the stream, which cancels the request in the shepherd.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()

	stream, err := c.session.OpenStream()
	if err != nil {
		return Response{}, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	if err := writeMessage(stream, frameRequest, req); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%s: %w", req.Command, err)
	}
	var resp Response
	if err := readMessage(stream, frameResponse, &resp); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%s: %w", req.Command, err)
	}
	// A cancelled call still reads the shepherd's answer to the closed
	// stream; report the caller's own reason instead.
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("%s: response %s does not match request %s", req.Command, resp.ID, req.ID)
	}
	return resp, responseError(resp)
}

// Ping checks that the shepherd answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, Request{Command: cmdPing})
	return err
}

// Start implements sessions.Manager.
func (c *Client) Start(ctx context.Context, spec sessions.StartSpec) (sessions.StartResult, error) {
	resp, err := c.call(ctx, Request{Command: cmdStart, Spec: &spec})
	if err != nil {
		return sessions.StartResult{}, err
	}
	if resp.Started == nil {
		return sessions.StartResult{}, fmt.Errorf("start: empty response")
	}
	return *resp.Started, nil
}

// Execute implements sessions.Manager.
func (c *Client) Execute(ctx context.Context, id, command string) (string, error) {
	resp, err := c.call(ctx, Request{Command: cmdExecute, SessionID: id, Text: command})
	return resp.Output, err
}

// Wait implements sessions.Manager.
func (c *Client) Wait(ctx context.Context, id, pattern string, timeout time.Duration) (string, error) {
	resp, err := c.call(ctx, Request{Command: cmdWait, SessionID: id, Pattern: pattern, Timeout: timeout})
	return resp.Output, err
}

// Stop implements sessions.Manager.
func (c *Client) Stop(ctx context.Context, id string) error {
	_, err := c.call(ctx, Request{Command: cmdStop, SessionID: id})
	return err
}

// List implements sessions.Manager. A failed call is logged and yields no
// sessions.
func (c *Client) List() []sessions.Info {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.call(ctx, Request{Command: cmdList})
	if err != nil {
		c.log.Error(err, "failed to list shepherd sessions")
		return nil
	}
	return resp.Sessions
}

// StopAll implements sessions.Manager.
func (c *Client) StopAll(ctx context.Context) {
	if _, err := c.call(ctx, Request{Command: cmdStopAll}); err != nil {
		c.log.Error(err, "failed to stop shepherd sessions")
	}
}

var _ sessions.Manager = (*Client)(nil)
