package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/stream"
)

// Server accepts WebSocket connections, authenticates them, and runs
// the frame loop: requests dispatch to the handler, broker events fan
// out to subscribers, pings get pongs.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	connSeq      atomic.Uint64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthenticator sets the authenticator. Defaults to the no-op
// authenticator.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) {
		s.auth = a
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDefaultCodec sets the codec used when a client does not negotiate
// one.
func WithDefaultCodec(c Codec) ServerOption {
	return func(s *Server) {
		s.defaultCodec = c
	}
}

// NewServer creates a new wire server.
func NewServer(broker *stream.Broker, handler *Handler, opts ...ServerOption) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP upgrades the request to a WebSocket and runs the frame
// loop until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	// The request context dies as soon as ServeHTTP returns; the
	// connection outlives it, so frames dispatch on a detached context.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer conn.Close()
		if serveErr := s.serveConn(ctx, conn); serveErr != nil {
			s.logger.Debug("connection closed", slog.String("error", serveErr.Error()))
		}
	}()
}

// lockedConn serializes writes to the underlying connection. The frame
// loop and the event forwarder write concurrently, and a WebSocket
// frame goes out as separate header and payload writes, so interleaved
// writers would corrupt the stream.
type lockedConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (lc *lockedConn) write(op ws.OpCode, data []byte) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return wsutil.WriteServerMessage(lc.conn, op, data)
}

// serveConn authenticates a fresh connection and processes its frames.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	wc := &lockedConn{conn: conn}
	connID := fmt.Sprintf("conn-%d", s.connSeq.Add(1))
	s.logger.Info("wire connected", slog.String("conn_id", connID))

	// Wait for the auth frame. Auth frames are always JSON (before
	// codec negotiation).
	authData, _, readErr := wsutil.ReadClientData(conn)
	if readErr != nil {
		return fmt.Errorf("wire: read auth frame: %w", readErr)
	}

	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		s.writeJSON(wc, NewErrorFrame("", unitybridge.CodeSchemaInvalid, "invalid auth frame"))
		return fmt.Errorf("wire: unmarshal auth frame: %w", err)
	}

	if authFrame.Method != MethodAuth {
		s.writeJSON(wc, NewErrorFrame(authFrame.ID, unitybridge.CodeSchemaInvalid, "first frame must be auth"))
		return fmt.Errorf("wire: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			s.writeJSON(wc, NewErrorFrame(authFrame.ID, unitybridge.CodeSchemaInvalid, "invalid auth data"))
			return err
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(ctx, token)
	if authErr != nil {
		s.writeJSON(wc, NewErrorFrame(authFrame.ID, unitybridge.CodeInternal, "authentication failed"))
		return fmt.Errorf("wire: auth failed: %w", authErr)
	}

	// Negotiate codec.
	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	wireConn := NewConnection(connID, identity, codec)
	s.conns.Add(wireConn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("wire disconnected", slog.String("conn_id", connID))
	}()

	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if respErr != nil {
		return fmt.Errorf("wire: marshal auth response: %w", respErr)
	}
	if err := s.writeFrame(wc, codec, resp); err != nil {
		return err
	}

	s.logger.Info("wire authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	// Create a subscriber for this connection and forward broker events
	// to the WebSocket.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(wc, codec, sub)

	// Frame processing loop.
	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return nil // Connection closed.
		}

		wireConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			ef := NewErrorFrame("", unitybridge.CodeSchemaInvalid, "invalid frame: "+decErr.Error())
			if writeErr := s.writeFrame(wc, codec, ef); writeErr != nil {
				s.logger.Warn("failed to write error frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Handle ping/pong.
		if frame.Type == FramePing {
			pong := &Frame{
				ID:        generateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := s.writeFrame(wc, codec, pong); writeErr != nil {
				s.logger.Warn("failed to write pong frame", slog.String("error", writeErr.Error()))
			}
			continue
		}

		// Check authorization for the method.
		if frame.Method != "" {
			reqScope := RequiredScope(frame.Method)
			if reqScope != "" && !identity.HasScope(reqScope) {
				ef := NewErrorFrame(frame.ID, unitybridge.CodeSchemaInvalid, "insufficient permissions for "+frame.Method)
				if writeErr := s.writeFrame(wc, codec, ef); writeErr != nil {
					s.logger.Warn("failed to write forbidden frame", slog.String("error", writeErr.Error()))
				}
				continue
			}
		}

		// Handle credits replenishment.
		if frame.Credits > 0 {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		// Dispatch to handler.
		respFrame := s.handler.Handle(ctx, frame, wireConn)
		if respFrame == nil {
			continue
		}

		// Handle subscribe/unsubscribe side effects.
		if frame.Method == MethodSubscribe && respFrame.Type == FrameResponse {
			var subReq SubscribeRequest
			if json.Unmarshal(frame.Data, &subReq) == nil {
				s.broker.SubscribeTo(connID, subReq.Topic)
				wireConn.AddSubscription(subReq.Topic)
				if subReq.Credits > 0 {
					sub.AddCredits(int64(subReq.Credits))
				}
			}
		} else if frame.Method == MethodUnsubscribe && respFrame.Type == FrameResponse {
			var unsubReq UnsubscribeRequest
			if json.Unmarshal(frame.Data, &unsubReq) == nil {
				s.broker.Unsubscribe(connID, unsubReq.Topic)
				wireConn.RemoveSubscription(unsubReq.Topic)
			}
		}

		if writeErr := s.writeFrame(wc, codec, respFrame); writeErr != nil {
			s.logger.Warn("failed to write response frame", slog.String("error", writeErr.Error()))
		}
	}
}

// forwardEvents reads from the subscriber channel and writes events to
// the WebSocket connection.
func (s *Server) forwardEvents(wc *lockedConn, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := s.writeFrame(wc, codec, evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}

// writeFrame encodes and writes a frame. JSON frames go out as text
// messages, binary codecs as binary messages.
func (s *Server) writeFrame(wc *lockedConn, codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	op := ws.OpBinary
	if codec.Name() == CodecNameJSON {
		op = ws.OpText
	}
	return wc.write(op, data)
}

// writeJSON writes a frame as JSON, ignoring errors. Used for
// best-effort error responses before disconnect.
func (s *Server) writeJSON(wc *lockedConn, frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	//nolint:errcheck // best-effort error response before disconnect
	wc.write(ws.OpText, data)
}
