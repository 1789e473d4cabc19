package intake

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/bytedance/sonic"

	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

// Client dials an intake socket.
type Client struct {
	path string
}

// NewClient creates a client for the provided socket path.
func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptySocketPath
	}
	return &Client{path: path}, nil
}

// Dial opens a connection to the intake socket.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, unixNetwork, c.path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(conn, 4096)
	return &Conn{conn: conn, r: r}, nil
}

// Conn sends intents one at a time and reads their acks.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
}

// Send writes one intent line and waits for its ack.
func (c *Conn) Send(intent schema.OrderIntent) (Ack, error) {
	data, err := sonic.ConfigStd.Marshal(intent)
	if err != nil {
		return Ack{}, fmt.Errorf("encode intent: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return Ack{}, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return Ack{}, err
	}
	var ack Ack
	if err := sonic.ConfigStd.Unmarshal(line, &ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
