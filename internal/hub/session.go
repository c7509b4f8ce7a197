package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/qkeluna/synckit-go/internal/protocol"
	"github.com/qkeluna/synckit-go/internal/storage"
)

// sendBuffer bounds the per-session outbound queue. A subscriber that
// cannot drain this many frames is closed and must reconnect; its
// vector clock makes the catch-up cheap.
const sendBuffer = 256

// session is one live client connection. The read loop owns inbound
// dispatch; a writer goroutine drains out so a slow peer never blocks
// document fan-out.
type session struct {
	id       string
	clientID string
	userID   string
	conn     *websocket.Conn
	hub      *Hub
	logger   *slog.Logger

	out      chan protocol.Frame
	overflow chan struct{} // closed when the out buffer overruns
}

// send enqueues a frame for the writer goroutine. On overflow the
// session is flagged for closure; frames are dropped rather than
// blocking the hub.
func (s *session) send(f protocol.Frame) {
	select {
	case s.out <- f:
	default:
		select {
		case <-s.overflow:
		default:
			close(s.overflow)
		}
	}
}

// serve runs the connection after the websocket upgrade: handshake,
// then the frame dispatch loop until the peer disconnects or times
// out. Always returns with the session unregistered.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(protocol.MaxDeltaBytes + 4096)

	sess, err := h.handshake(ctx, conn)
	if err != nil {
		h.logger.Debug("handshake failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")

		return
	}

	writerCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()

	go sess.writeLoop(writerCtx)

	clean := sess.readLoop(ctx)

	h.dropSession(ctx, sess, clean)
}

// handshake reads the hello frame, authenticates, persists the
// session row, and replies with welcome.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (*session, error) {
	frame, err := readFrame(ctx, conn, h.cfg.HeartbeatTimeout)
	if err != nil {
		return nil, fmt.Errorf("hub: reading hello: %w", err)
	}

	hello, ok := frame.(*protocol.Hello)
	if !ok {
		return nil, fmt.Errorf("hub: expected hello, got %T", frame)
	}

	if hello.ProtocolVersion != protocol.ProtocolVersion {
		return nil, fmt.Errorf("hub: unsupported protocol version %d", hello.ProtocolVersion)
	}

	if hello.ClientID == "" {
		return nil, fmt.Errorf("hub: hello missing client id")
	}

	if h.cfg.AuthToken != "" && hello.Token != h.cfg.AuthToken {
		writeFrame(ctx, conn, protocol.NewError(protocol.CodeAuthFailed, "invalid token", ""))

		return nil, protocol.ErrAuthFailed
	}

	now := time.Now()

	row, err := h.store.SaveSession(ctx, &storage.SessionRecord{
		ID:          ulid.Make().String(),
		ClientID:    hello.ClientID,
		ConnectedAt: now.UnixNano(),
		LastSeen:    now.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("hub: persisting session: %w", err)
	}

	sess := &session{
		id:       row.ID,
		clientID: hello.ClientID,
		userID:   row.UserID,
		conn:     conn,
		hub:      h,
		logger:   h.logger.With(slog.String("session_id", row.ID), slog.String("client", hello.ClientID)),
		out:      make(chan protocol.Frame, sendBuffer),
		overflow: make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	sess.send(&protocol.Welcome{
		SessionID:  sess.id,
		ServerTime: uint64(now.UnixMilli()),
	})

	sess.logger.Info("session established")

	return sess, nil
}

// readLoop dispatches inbound frames until error, heartbeat timeout,
// or outbound overflow. Returns true for a clean close.
func (s *session) readLoop(ctx context.Context) bool {
	for {
		select {
		case <-s.overflow:
			s.logger.Warn("outbound buffer overflow, closing session")
			s.conn.Close(websocket.StatusTryAgainLater, "slow consumer")

			return false
		default:
		}

		data, err := readRaw(ctx, s.conn, s.hub.cfg.HeartbeatTimeout)
		if err != nil {
			status := websocket.CloseStatus(err)
			clean := status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway

			if !clean && !errors.Is(err, context.Canceled) {
				s.logger.Debug("session read ended", slog.String("error", err.Error()))
			}

			return clean
		}

		s.touch(ctx)

		frame, err := protocol.Decode(data)
		if err != nil {
			// Malformed frame: log, drop, report INTERNAL; the
			// connection survives.
			s.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			s.send(protocol.NewError(protocol.CodeInternal, "malformed frame", ""))

			continue
		}

		if err := s.dispatch(ctx, frame); err != nil {
			s.logger.Warn("frame dispatch failed", slog.String("error", err.Error()))
			s.send(protocol.NewError(protocol.CodeInternal, "internal error", ""))
		}
	}
}

// dispatch handles one inbound frame.
func (s *session) dispatch(ctx context.Context, frame protocol.Frame) error {
	switch f := frame.(type) {
	case *protocol.Subscribe:
		return s.hub.subscribe(ctx, s, f.DocumentID, f.VectorClock)

	case *protocol.DeltaFrame:
		d := f.Delta

		return s.hub.publish(ctx, s, &d)

	case *protocol.Ping:
		s.send(&protocol.Pong{T: f.T})

		return nil

	case *protocol.Pong:
		return nil

	case *protocol.Hello:
		// Duplicate hello after handshake; ignore.
		return nil

	default:
		s.logger.Debug("dropping unexpected frame", slog.Any("frame", frame))

		return nil
	}
}

// touch advances the session's last-seen timestamp. Failures are
// logged, not fatal: liveness bookkeeping must not kill a healthy
// connection.
func (s *session) touch(ctx context.Context) {
	if err := s.hub.store.UpdateSession(ctx, s.id, time.Now().UnixNano(), nil); err != nil {
		s.logger.Debug("session touch failed", slog.String("error", err.Error()))
	}
}

// writeLoop drains the outbound queue onto the socket.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.out:
			if err := writeFrame(ctx, s.conn, frame); err != nil {
				s.logger.Debug("session write failed", slog.String("error", err.Error()))
				s.conn.CloseNow()

				return
			}
		}
	}
}

// readFrame reads and decodes one frame with a deadline.
func readFrame(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (protocol.Frame, error) {
	data, err := readRaw(ctx, conn, timeout)
	if err != nil {
		return nil, err
	}

	return protocol.Decode(data)
}

// readRaw reads one raw frame with a deadline. The deadline doubles
// as the heartbeat timeout: any frame (including ping) refreshes it.
func readRaw(ctx context.Context, conn *websocket.Conn, timeout time.Duration) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// writeFrame encodes and writes one frame.
func writeFrame(ctx context.Context, conn *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
