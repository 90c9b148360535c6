package traccar

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Conn is an open streaming connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dial opens the socket endpoint presenting token as the session cookie.
func (c *Client) Dial(ctx context.Context, token Token) (Conn, error) {
	header := http.Header{}
	header.Set("Cookie", string(token))

	conn, resp, err := c.dialer.DialContext(ctx, c.socketURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}
