// Package bridge exposes the bus over WebSocket JSON frames.
// This is the primary IPC mechanism between external processes and the core:
// a remote process joins as a proxy agent, receives its mailbox as a frame
// stream, and injects envelopes back onto the bus.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mycelium-cortex/cortex-core/bus"
	"github.com/mycelium-cortex/cortex-core/envelope"
	"github.com/mycelium-cortex/cortex-core/recovery"
)

// Logger interface for the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Hello is the first frame a remote process sends after connecting. It
// registers the connection as a proxy agent on the bus.
type Hello struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tier         string   `json:"tier"`
	ParentID     string   `json:"parent_id,omitempty"`
}

// helloTimeout bounds how long a fresh connection may stall before its
// hello frame arrives.
const helloTimeout = 10 * time.Second

// Server bridges WebSocket peers onto a bus.
type Server struct {
	bus    *bus.Bus
	logger Logger
}

// NewServer creates a bridge server for the given bus.
func NewServer(b *bus.Bus, logger Logger) *Server {
	return &Server{bus: b, logger: logger}
}

// Handler returns the http.Handler accepting bridge connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("bridge_accept_failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "bridge closing")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, err := s.readHello(ctx, conn)
	if err != nil {
		s.logger.Warn("bridge_hello_failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "invalid hello frame")
		return
	}

	handle, err := s.bus.Register(bus.Identity{
		ID:           hello.AgentID,
		Capabilities: hello.Capabilities,
		Tier:         bus.Tier(hello.Tier),
	}, hello.ParentID)
	if err != nil {
		s.logger.Warn("bridge_register_failed", "agent_id", hello.AgentID, "error", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer func() {
		if err := s.bus.Unregister(hello.AgentID); err != nil {
			s.logger.Debug("bridge_unregister", "agent_id", hello.AgentID, "error", err)
		}
	}()

	s.logger.Info("bridge_peer_joined",
		"agent_id", hello.AgentID,
		"tier", hello.Tier,
		"remote_addr", r.RemoteAddr,
	)

	// Outbound pump: the proxy mailbox becomes the frame stream.
	recovery.SafeGo(s.logger, "bridge_writer:"+hello.AgentID, func() {
		defer cancel()
		for {
			env, err := handle.Mailbox.Dequeue(ctx)
			if err != nil {
				return
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				s.logger.Debug("bridge_write_failed", "agent_id", hello.AgentID, "error", err)
				return
			}
		}
	}, nil)

	// Inbound pump: frames become envelopes on the bus.
	for {
		var env envelope.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				s.logger.Info("bridge_peer_left", "agent_id", hello.AgentID)
			} else {
				s.logger.Warn("bridge_read_failed", "agent_id", hello.AgentID, "error", err)
			}
			return
		}
		// The peer speaks only for itself.
		env.SenderID = hello.AgentID
		if err := s.bus.Send(&env); err != nil {
			s.logger.Warn("bridge_send_failed",
				"agent_id", hello.AgentID,
				"envelope_id", env.ID,
				"error", err,
			)
		}
	}
}

func (s *Server) readHello(ctx context.Context, conn *websocket.Conn) (Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var hello Hello
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return Hello{}, err
	}
	if hello.AgentID == "" {
		return Hello{}, errors.New("hello frame requires agent_id")
	}
	switch bus.Tier(hello.Tier) {
	case bus.TierExecution, bus.TierTactical, bus.TierStrategic:
	default:
		return Hello{}, errors.New("hello frame requires a valid tier")
	}
	return hello, nil
}
