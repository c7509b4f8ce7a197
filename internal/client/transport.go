package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/qkeluna/synckit-go/internal/protocol"
)

// Transport defaults, overridable through Options.
const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultReconnectBase     = 500 * time.Millisecond
	defaultReconnectCap      = 30 * time.Second
	defaultSubscribeTimeout  = 30 * time.Second
	dialTimeout              = 10 * time.Second
	backoffJitterPercent     = 50
	maxMissedPongs           = 2
)

// transport drives the single long-lived websocket connection. One
// goroutine (Run) owns the connection lifecycle and all writes; a
// child goroutine feeds inbound frames into the session loop.
type transport struct {
	kit        *Kit
	url        string
	token      string
	heartbeat  time.Duration
	base       time.Duration
	cap        time.Duration
	subTimeout time.Duration
	logger     *slog.Logger

	stateMu sync.Mutex
	state   ConnState

	wake chan struct{}
}

func newTransport(k *Kit, opts Options) *transport {
	t := &transport{
		kit:        k,
		url:        opts.ServerURL,
		token:      opts.AuthToken,
		heartbeat:  opts.HeartbeatInterval,
		base:       opts.ReconnectBase,
		cap:        opts.ReconnectCap,
		subTimeout: opts.SubscribeTimeout,
		logger:     k.logger,
		state:      StateDisconnected,
		wake:       make(chan struct{}, 1),
	}

	if t.heartbeat <= 0 {
		t.heartbeat = defaultHeartbeatInterval
	}

	if t.base <= 0 {
		t.base = defaultReconnectBase
	}

	if t.cap <= 0 {
		t.cap = defaultReconnectCap
	}

	if t.subTimeout <= 0 {
		t.subTimeout = defaultSubscribeTimeout
	}

	return t
}

// State returns the current connection state.
func (t *transport) State() ConnState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	return t.state
}

func (t *transport) setState(s ConnState) {
	t.stateMu.Lock()

	changed := t.state != s
	t.state = s

	t.stateMu.Unlock()

	if changed {
		t.kit.emit(Event{Kind: EventConnectionStatus, State: s})
	}
}

// Wake nudges the session loop: a new delta was enqueued or a new
// document opened. Non-blocking; coalesces.
func (t *transport) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// newBackoff builds the reconnect schedule: exponential from base,
// jittered, capped. Retries are infinite — the backoff only shapes
// the delay.
func (t *transport) newBackoff() retry.Backoff {
	b := retry.NewExponential(t.base)
	b = retry.WithJitterPercent(backoffJitterPercent, b)
	b = retry.WithCappedDuration(t.cap, b)

	return b
}

// Run connects and reconnects until ctx is cancelled or the server
// rejects authentication.
func (t *transport) Run(ctx context.Context) error {
	t.setState(StateConnecting)

	backoff := t.newBackoff()

	for {
		if ctx.Err() != nil {
			t.setState(StateDisconnected)

			return ctx.Err()
		}

		welcomed, err := t.session(ctx)

		switch {
		case errors.Is(err, protocol.ErrAuthFailed):
			t.logger.Error("server rejected authentication")
			t.setState(StateFailed)

			return err
		case ctx.Err() != nil:
			t.setState(StateDisconnected)

			return ctx.Err()
		}

		if welcomed {
			// A successful handshake resets the backoff schedule.
			backoff = t.newBackoff()
		}

		t.logger.Warn("connection lost, reconnecting", slog.String("error", errString(err)))
		t.setState(StateReconnecting)

		delay, _ := backoff.Next()

		select {
		case <-ctx.Done():
			t.setState(StateDisconnected)

			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// readResult carries one inbound frame or the terminal read error.
type readResult struct {
	frame protocol.Frame
	err   error
}

// session runs one connection: dial, handshake, subscribe catch-up,
// then the steady-state loop. Returns welcomed=true once the server's
// welcome arrived, so Run can reset its backoff.
func (t *transport) session(ctx context.Context) (welcomed bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		return false, fmt.Errorf("client: dialing %s: %w", t.url, err)
	}

	defer conn.CloseNow()

	// The library's default 32 KiB read limit is far below the 1 MiB
	// delta ceiling.
	conn.SetReadLimit(protocol.MaxDeltaBytes + 4096)

	if err := t.writeFrame(ctx, conn, protocol.NewHello(t.kit.ClientID(), t.token)); err != nil {
		return false, err
	}

	frames := make(chan readResult)

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()

	go t.readLoop(readCtx, conn, frames)

	if err := t.awaitWelcome(ctx, frames); err != nil {
		return false, err
	}

	t.setState(StateConnected)
	t.logger.Info("connected", slog.String("url", t.url))

	return true, t.steadyLoop(ctx, conn, frames)
}

// readLoop decodes inbound frames onto the channel. Malformed frames
// are discarded per the error policy; read errors terminate the
// session.
func (t *transport) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- readResult) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case frames <- readResult{err: err}:
			case <-ctx.Done():
			}

			return
		}

		frame, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			t.logger.Debug("discarding malformed frame", slog.String("error", decodeErr.Error()))

			continue
		}

		select {
		case frames <- readResult{frame: frame}:
		case <-ctx.Done():
			return
		}
	}
}

// awaitWelcome consumes frames until the welcome (or an auth error)
// arrives.
func (t *transport) awaitWelcome(ctx context.Context, frames <-chan readResult) error {
	timeout := time.NewTimer(t.subTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("client: handshake timed out after %s", t.subTimeout)
		case r := <-frames:
			if r.err != nil {
				return fmt.Errorf("client: handshake read: %w", r.err)
			}

			switch f := r.frame.(type) {
			case *protocol.Welcome:
				t.logger.Debug("handshake complete", slog.String("session_id", f.SessionID))

				return nil
			case *protocol.ErrorFrame:
				if f.Code == protocol.CodeAuthFailed {
					return protocol.ErrAuthFailed
				}

				return fmt.Errorf("client: handshake rejected: %s %s", f.Code, f.Message)
			default:
				// Stray frame before welcome; ignore.
			}
		}
	}
}

// sessionState tracks per-connection subscribe/flush progress.
type sessionState struct {
	subscribed   map[string]bool // docID → subscribeComplete received
	outstanding  int
	flushed      bool
	lastSent     uint64 // highest queue seq written this session
	missedPongs  int
	awaitingPong bool
}

// steadyLoop is the post-handshake event loop: inbound frames,
// heartbeat, queue flushing, and late document subscriptions.
func (t *transport) steadyLoop(ctx context.Context, conn *websocket.Conn, frames <-chan readResult) error {
	state := &sessionState{subscribed: make(map[string]bool)}

	if err := t.subscribeOpenDocs(ctx, conn, state); err != nil {
		return err
	}

	if state.outstanding == 0 {
		if err := t.flushQueue(ctx, conn, state); err != nil {
			return err
		}
	}

	heartbeat := time.NewTicker(t.heartbeat)
	defer heartbeat.Stop()

	subscribeDeadline := time.NewTimer(t.subTimeout)
	defer subscribeDeadline.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")

			return ctx.Err()

		case <-subscribeDeadline.C:
			if state.outstanding > 0 {
				return fmt.Errorf("client: subscribe timed out after %s", t.subTimeout)
			}

		case <-heartbeat.C:
			if state.awaitingPong {
				state.missedPongs++

				if state.missedPongs >= maxMissedPongs {
					return fmt.Errorf("client: %d heartbeats unanswered", state.missedPongs)
				}
			}

			state.awaitingPong = true

			if err := t.writeFrame(ctx, conn, &protocol.Ping{T: uint64(time.Now().UnixMilli())}); err != nil {
				return err
			}

		case <-t.wake:
			if err := t.subscribeOpenDocs(ctx, conn, state); err != nil {
				return err
			}

			if state.flushed {
				if err := t.flushQueue(ctx, conn, state); err != nil {
					return err
				}
			}

		case r := <-frames:
			if r.err != nil {
				return fmt.Errorf("client: connection read: %w", r.err)
			}

			if err := t.handleFrame(ctx, conn, state, r.frame); err != nil {
				return err
			}
		}
	}
}

// subscribeOpenDocs sends a subscribe for every open replica that has
// not been subscribed this session.
func (t *transport) subscribeOpenDocs(ctx context.Context, conn *websocket.Conn, state *sessionState) error {
	for _, rep := range t.kit.openReplicas() {
		id := rep.DocumentID()

		if _, sent := state.subscribed[id]; sent {
			continue
		}

		state.subscribed[id] = false
		state.outstanding++

		sub := &protocol.Subscribe{DocumentID: id, VectorClock: rep.Vector()}
		if err := t.writeFrame(ctx, conn, sub); err != nil {
			return err
		}

		t.logger.Debug("subscribed", slog.String("doc", id))
	}

	return nil
}

// flushQueue sends every un-acked queue entry not yet written this
// session. Entries stay queued until the server acks them.
func (t *transport) flushQueue(ctx context.Context, conn *websocket.Conn, state *sessionState) error {
	state.flushed = true

	pending, err := t.kit.queue.Replay(ctx)
	if err != nil {
		return err
	}

	for _, d := range pending {
		if d.SeqAtOrigin <= state.lastSent {
			continue
		}

		if err := t.writeFrame(ctx, conn, protocol.NewDeltaFrame(d)); err != nil {
			return err
		}

		state.lastSent = d.SeqAtOrigin
	}

	return nil
}

// handleFrame dispatches one inbound frame.
func (t *transport) handleFrame(ctx context.Context, conn *websocket.Conn, state *sessionState, frame protocol.Frame) error {
	switch f := frame.(type) {
	case *protocol.DeltaFrame:
		d := f.Delta
		t.kit.applyRemote(ctx, d.DocumentID, []*protocol.Delta{&d})

	case *protocol.Ack:
		if err := t.kit.queue.Ack(ctx, f.SeqAtOrigin); err != nil {
			t.logger.Warn("ack processing failed", slog.String("error", err.Error()))
		}

	case *protocol.SubscribeComplete:
		if done, tracked := state.subscribed[f.DocumentID]; tracked && !done {
			state.subscribed[f.DocumentID] = true
			state.outstanding--
		}

		if state.outstanding == 0 && !state.flushed {
			return t.flushQueue(ctx, conn, state)
		}

	case *protocol.Ping:
		return t.writeFrame(ctx, conn, &protocol.Pong{T: f.T})

	case *protocol.Pong:
		state.awaitingPong = false
		state.missedPongs = 0

	case *protocol.ErrorFrame:
		if f.Code == protocol.CodeAuthFailed {
			return protocol.ErrAuthFailed
		}

		t.logger.Warn("server error frame",
			slog.String("code", f.Code),
			slog.String("message", f.Message),
		)

	default:
		t.logger.Debug("unexpected frame", slog.Any("frame", frame))
	}

	return nil
}

// writeFrame encodes and writes one frame on the session's writer
// goroutine.
func (t *transport) writeFrame(ctx context.Context, conn *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("client: writing frame: %w", err)
	}

	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
