package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
	"github.com/qkeluna/synckit-go/internal/replica"
	"github.com/qkeluna/synckit-go/internal/storage"
)

func ringDelta(origin string, seq uint64, phys uint64) *protocol.Delta {
	return &protocol.Delta{
		DocumentID:   "d",
		FieldName:    "f",
		Op:           protocol.OpSet,
		Value:        json.RawMessage(`"v"`),
		Stamp:        clock.Stamp{Physical: phys, ClientID: origin},
		OriginClient: origin,
		SeqAtOrigin:  seq,
	}
}

func TestRingEviction(t *testing.T) {
	t.Parallel()

	r := newRing(3)
	require.True(t, r.complete())

	for i := uint64(1); i <= 3; i++ {
		r.add(ringDelta("a", i, 100+i))
	}

	assert.True(t, r.complete())

	r.add(ringDelta("a", 4, 104))
	assert.False(t, r.complete(), "overwriting must mark the ring incomplete")
}

func TestRingMissingFiltersAndSorts(t *testing.T) {
	t.Parallel()

	r := newRing(10)
	r.add(ringDelta("a", 2, 200))
	r.add(ringDelta("b", 1, 100))
	r.add(ringDelta("a", 1, 50))

	missing := r.missing(clock.Vector{"a": 1})
	require.Len(t, missing, 2)

	// Stamp order: b@100 before a@200.
	assert.Equal(t, "b", missing[0].OriginClient)
	assert.Equal(t, uint64(2), missing[1].SeqAtOrigin)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestListDocsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	state := storage.State{
		"live": replica.FieldRecord{Value: json.RawMessage(`"v"`), Stamp: clock.Stamp{Physical: 1, ClientID: "a"}},
		"dead": replica.FieldRecord{Tombstone: true, Stamp: clock.Stamp{Physical: 2, ClientID: "a"}},
	}

	_, err := h.store.SaveDocument(ctx, "d1", state)
	require.NoError(t, err)

	resp, err := http.Get(h.server.URL + "/api/v1/docs?limit=10")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Documents []struct {
			ID     string `json:"id"`
			Fields int    `json:"fields"`
		} `json:"documents"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Documents, 1)
	assert.Equal(t, "d1", body.Documents[0].ID)
	assert.Equal(t, 1, body.Documents[0].Fields, "tombstones are not live fields")
}

// rawConn is a hand-driven protocol connection for exercising server
// rejection paths the real client cannot produce.
type rawConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRaw(t *testing.T, h *harness, clientID string) *rawConn {
	t.Helper()

	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, h.server.URL+"/sync", nil)
	require.NoError(t, err)

	t.Cleanup(func() { conn.CloseNow() })

	conn.SetReadLimit(protocol.MaxDeltaBytes + 4096)

	rc := &rawConn{t: t, conn: conn}
	rc.write(protocol.NewHello(clientID, ""))

	welcome := rc.read()
	require.IsType(t, &protocol.Welcome{}, welcome)

	return rc
}

func (rc *rawConn) write(f protocol.Frame) {
	rc.t.Helper()

	data, err := protocol.Encode(f)
	require.NoError(rc.t, err)
	require.NoError(rc.t, rc.conn.Write(context.Background(), websocket.MessageText, data))
}

func (rc *rawConn) writeRaw(data []byte) {
	rc.t.Helper()

	require.NoError(rc.t, rc.conn.Write(context.Background(), websocket.MessageText, data))
}

func (rc *rawConn) read() protocol.Frame {
	rc.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := rc.conn.Read(ctx)
	require.NoError(rc.t, err)

	frame, err := protocol.Decode(data)
	require.NoError(rc.t, err)

	return frame
}

func TestServerRejectsOversizeValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rc := dialRaw(t, h, "raw-client")

	over := &protocol.DeltaFrame{Delta: protocol.Delta{
		DocumentID:   "d",
		FieldName:    "big",
		Op:           protocol.OpSet,
		Value:        json.RawMessage(`"` + strings.Repeat("x", protocol.MaxValueBytes-1) + `"`),
		Stamp:        clock.Stamp{Physical: 100, ClientID: "raw-client"},
		OriginClient: "raw-client",
		SeqAtOrigin:  1,
	}}

	rc.write(over)

	frame := rc.read()
	errFrame, ok := frame.(*protocol.ErrorFrame)
	require.True(t, ok, "expected error frame, got %T", frame)
	assert.Equal(t, protocol.CodeOversize, errFrame.Code)

	// Nothing persisted.
	_, err := h.store.GetDocument(context.Background(), "d")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestServerDropsMalformedFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rc := dialRaw(t, h, "raw-client")

	rc.writeRaw([]byte(`{"type":"mystery","junk":true}`))

	frame := rc.read()
	errFrame, ok := frame.(*protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInternal, errFrame.Code)

	// The connection survives: a ping still answers.
	rc.write(&protocol.Ping{T: 7})

	pong, ok := rc.read().(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, uint64(7), pong.T)
}

func TestServerAnswersHeartbeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rc := dialRaw(t, h, "raw-client")

	rc.write(&protocol.Ping{T: 99})

	pong, ok := rc.read().(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, uint64(99), pong.T)
}

func TestPublishAcksAndPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rc := dialRaw(t, h, "raw-client")

	d := ringDelta("raw-client", 1, 100)
	rc.write(protocol.NewDeltaFrame(d))

	ack, ok := rc.read().(*protocol.Ack)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ack.SeqAtOrigin)

	doc, err := h.store.GetDocument(context.Background(), "d")
	require.NoError(t, err)
	assert.JSONEq(t, `"v"`, string(doc.State["f"].Value))

	vec, err := h.store.GetVectorClock(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), vec.Get("raw-client"))
}

func TestPublishReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rc := dialRaw(t, h, "raw-client")

	d := ringDelta("raw-client", 1, 100)

	rc.write(protocol.NewDeltaFrame(d))
	require.IsType(t, &protocol.Ack{}, rc.read())

	// Same (origin, seq) again: re-acked, not re-applied.
	rc.write(protocol.NewDeltaFrame(d))
	require.IsType(t, &protocol.Ack{}, rc.read())

	records, err := h.store.GetDeltas(context.Background(), "d", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHandshakeRequiresHello(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	conn, _, err := websocket.Dial(ctx, h.server.URL+"/sync", nil)
	require.NoError(t, err)

	defer conn.CloseNow()

	// A subscribe before hello closes the connection.
	data, err := protocol.Encode(&protocol.Subscribe{DocumentID: "d"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, _, err = conn.Read(readCtx)
	assert.Error(t, err)
}

func TestCompactionPrunesTombstonesAndDeltas(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{TombstoneRetention: time.Millisecond})
	ctx := context.Background()

	oldStamp := uint64(1000) // far below any recent cutoff

	state := storage.State{
		"gone": replica.FieldRecord{Tombstone: true, Stamp: clock.Stamp{Physical: oldStamp, ClientID: "a"}},
		"kept": replica.FieldRecord{Value: json.RawMessage(`"v"`), Stamp: clock.Stamp{Physical: oldStamp, ClientID: "a"}},
	}

	_, err := h.store.SaveDocument(ctx, "d", state)
	require.NoError(t, err)

	_, err = h.store.SaveDelta(ctx, ringDelta("a", 1, oldStamp))
	require.NoError(t, err)

	h.hub.compactOnce(ctx)

	doc, err := h.store.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.NotContains(t, doc.State, "gone", "expired tombstone must be dropped")
	assert.Contains(t, doc.State, "kept", "values survive compaction")

	records, err := h.store.GetDeltas(ctx, "d", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCompactionSparesRecentDeltas(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{TombstoneRetention: time.Hour})
	ctx := context.Background()

	// A live session seen just now: the cutoff sits an hour back, so
	// a delta stamped a minute ago survives.
	now := time.Now()

	_, err := h.store.SaveSession(ctx, &storage.SessionRecord{
		ID:          "s1",
		ClientID:    "c1",
		ConnectedAt: now.UnixNano(),
		LastSeen:    now.UnixNano(),
	})
	require.NoError(t, err)

	recent := ringDelta("a", 1, uint64(now.Add(-time.Minute).UnixMilli()))

	_, err = h.store.CommitPublish(ctx, storage.State{}, recent)
	require.NoError(t, err)

	h.hub.compactOnce(ctx)

	records, err := h.store.GetDeltas(ctx, "d", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
