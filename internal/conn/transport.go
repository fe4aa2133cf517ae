package conn

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Socket is one established push-channel connection. The production
// implementation wraps a websocket; tests substitute scripted sockets.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens authenticated push-channel connections.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Socket, error)
}

// TokenSource supplies the bearer token presented at connect time.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return staticToken(tok)
}

type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }

type wsDialer struct {
	httpc *http.Client
}

func (d *wsDialer) Dial(ctx context.Context, url, token string) (Socket, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.httpc,
		HTTPHeader: hdr,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return &wsSocket{c: c}, nil
}

type wsSocket struct {
	c *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.c.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.c.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Ping(ctx context.Context) error {
	return s.c.Ping(ctx)
}

func (s *wsSocket) Close(reason string) error {
	return s.c.Close(websocket.StatusNormalClosure, reason)
}
