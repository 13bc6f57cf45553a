package queue

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visiona/multicam/internal/frame"
)

// Client is the worker-side end of the transport: one connection, one camera.
// It is not safe for concurrent use; a capture worker pushes from its single
// capture loop.
type Client struct {
	conn   *websocket.Conn
	camera string
}

// Dial connects a worker to the consumer's unix socket.
func Dial(ctx context.Context, socketPath, camera string) (*Client, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	// Host part is a placeholder; NetDialContext pins the unix socket.
	u := "ws://multicam/push?camera=" + url.QueryEscape(camera)
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, camera: camera}, nil
}

// Push transfers ownership of the handle to the consumer, waiting at most
// timeout for the round trip.
//
// Ownership after return:
//   - accepted=true: the consumer owns the segment and will release it.
//   - accepted=false, err=nil: clean reject (queue full); the caller still
//     owns the segment and should recycle it.
//   - err != nil: the transport is broken and placement is indeterminate;
//     the caller must NOT recycle the segment (the consumer might hold it)
//     and should leave it for the reclaim sweep.
func (c *Client) Push(h frame.Handle, timeout time.Duration) (accepted bool, err error) {
	deadline := time.Now().Add(timeout)

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return false, fmt.Errorf("queue: push %s: %w", h, err)
	}
	if err := c.conn.WriteJSON(h); err != nil {
		return false, fmt.Errorf("queue: push %s: %w", h, err)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return false, fmt.Errorf("queue: push %s: %w", h, err)
	}
	var ack pushAck
	if err := c.conn.ReadJSON(&ack); err != nil {
		return false, fmt.Errorf("queue: push %s: ack: %w", h, err)
	}
	if ack.Seq != h.Seq {
		return false, fmt.Errorf("queue: push %s: ack for seq %d", h, ack.Seq)
	}
	return ack.Accepted, nil
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
