package bridge

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mycelium-cortex/cortex-core/envelope"
)

// Client is one remote peer's side of a bridge connection.
type Client struct {
	conn    *websocket.Conn
	agentID string
}

// Dial connects to a bridge server and joins the bus under the hello
// identity. The returned client is ready to send and receive.
func Dial(ctx context.Context, url string, hello Hello) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge dial %s: %w", url, err)
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("bridge hello: %w", err)
	}
	return &Client{conn: conn, agentID: hello.AgentID}, nil
}

// AgentID returns the identity this client joined under.
func (c *Client) AgentID() string { return c.agentID }

// Send puts an envelope on the remote bus.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

// Receive blocks until the next envelope addressed to this peer arrives.
func (c *Client) Receive(ctx context.Context) (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Close ends the connection; the server side unregisters the proxy agent.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
