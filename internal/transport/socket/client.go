package socket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gzhole/guardbridge/internal/mediator"
)

// Client sends requests to a Server.
type Client struct {
	Path        string
	DialTimeout time.Duration
	// Timeout bounds the whole exchange, including mediation on the server.
	Timeout time.Duration
}

// Send writes req and waits for the single response line.
func (c *Client) Send(req mediator.Request) (mediator.Response, error) {
	dialTimeout := c.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 150 * time.Second
	}

	conn, err := net.DialTimeout("unix", c.Path, dialTimeout)
	if err != nil {
		return mediator.Response{}, fmt.Errorf("connect %s: %w", c.Path, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return mediator.Response{}, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return mediator.Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return mediator.Response{}, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return mediator.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp mediator.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return mediator.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
