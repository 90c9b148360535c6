package traccar

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Endpoints relative to the service base URL.
const (
	SessionPath = "/api/session"
	SocketPath  = "/api/socket"
	ServerPath  = "/api/server"
)

// Credentials are the operator credentials exchanged for a session.
type Credentials struct {
	Email    string
	Password string
}

// Token is the opaque session value, sent back verbatim as a Cookie header.
type Token string

// Client talks to one tracking service instance.
type Client struct {
	baseURL    *url.URL
	socketURL  string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient parses baseURL (http or https) and derives the socket URL from it.
// A nil httpClient gets one with requestTimeout.
func NewClient(baseURL string, httpClient *http.Client, requestTimeout, handshakeTimeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	socket := *u
	switch u.Scheme {
	case "http":
		socket.Scheme = "ws"
	case "https":
		socket.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}
	socket.Path = u.Path + SocketPath

	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		baseURL:    u,
		socketURL:  socket.String(),
		httpClient: httpClient,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		},
	}, nil
}

// SocketURL returns the websocket endpoint.
func (c *Client) SocketURL() string {
	return c.socketURL
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}
