package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qkeluna/synckit-go/internal/client"
	"github.com/qkeluna/synckit-go/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness is one hub with its HTTP listener and storage, plus helpers
// to attach clients.
type harness struct {
	t      *testing.T
	hub    *Hub
	store  storage.Adapter
	server *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store := storage.NewMemory()
	h := New(store, cfg, testLogger())
	srv := NewServer(h, "", testLogger())
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(ts.Close)

	return &harness{t: t, hub: h, store: store, server: ts}
}

// testClient is one client engine with its own storage and a
// stop/start lifecycle to simulate disconnects and restarts.
type testClient struct {
	t     *testing.T
	kit   *client.Kit
	store storage.Adapter

	cancel context.CancelFunc
	done   chan error
}

// newClient opens a client over fresh storage. Transport is not
// started; call connect.
func (h *harness) newClient(clientID string) *testClient {
	h.t.Helper()

	return h.attachClient(clientID, storage.NewMemory())
}

// attachClient opens a client engine over existing storage — the
// restart path.
func (h *harness) attachClient(clientID string, store storage.Adapter) *testClient {
	h.t.Helper()

	kit, err := client.Open(context.Background(), client.Options{
		Storage:           store,
		ServerURL:         h.server.URL + "/sync",
		ClientID:          clientID,
		HeartbeatInterval: 200 * time.Millisecond,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectCap:      100 * time.Millisecond,
		Logger:            testLogger(),
	})
	require.NoError(h.t, err)

	return &testClient{t: h.t, kit: kit, store: store}
}

// attachClientWithToken opens a bare client engine with an explicit
// auth token; the caller drives Run directly.
func (h *harness) attachClientWithToken(clientID, token string) *client.Kit {
	h.t.Helper()

	kit, err := client.Open(context.Background(), client.Options{
		Storage:       storage.NewMemory(),
		ServerURL:     h.server.URL + "/sync",
		AuthToken:     token,
		ClientID:      clientID,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  100 * time.Millisecond,
		Logger:        testLogger(),
	})
	require.NoError(h.t, err)

	return kit
}

// connect starts the transport goroutine.
func (c *testClient) connect() {
	c.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan error, 1)
	c.t.Cleanup(cancel)

	go func() {
		c.done <- c.kit.Run(ctx)
	}()

	require.Eventually(c.t, func() bool {
		return c.kit.ConnState() == client.StateConnected
	}, 5*time.Second, 10*time.Millisecond, "client %s never connected", c.kit.ClientID())
}

// disconnect stops the transport, leaving storage and queue intact.
func (c *testClient) disconnect() {
	c.t.Helper()

	if c.cancel == nil {
		return
	}

	c.cancel()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.t.Fatal("transport did not stop")
	}

	c.cancel = nil
}

// doc opens a document handle.
func (c *testClient) doc(id string) *client.Document {
	c.t.Helper()

	doc, err := c.kit.Document(context.Background(), id)
	require.NoError(c.t, err)

	return doc
}

// set writes a field with a JSON string value.
func (c *testClient) set(docID, field, value string) {
	c.t.Helper()

	require.NoError(c.t, c.doc(docID).Set(context.Background(), field, json.RawMessage(value)))
}

// del deletes a field.
func (c *testClient) del(docID, field string) {
	c.t.Helper()

	require.NoError(c.t, c.doc(docID).Delete(context.Background(), field))
}

// waitDrained blocks until every queued delta has been acked.
func (c *testClient) waitDrained() {
	c.t.Helper()

	require.Eventually(c.t, func() bool {
		return c.kit.QueueLen() == 0
	}, 5*time.Second, 10*time.Millisecond, "queue of %s never drained", c.kit.ClientID())
}

// waitSnapshot blocks until the document's materialised state equals
// want (field → JSON text).
func (c *testClient) waitSnapshot(docID string, want map[string]string) {
	c.t.Helper()

	doc := c.doc(docID)

	require.Eventually(c.t, func() bool {
		snap := doc.Snapshot()
		if len(snap) != len(want) {
			return false
		}

		for field, value := range want {
			got, ok := snap[field]
			if !ok || string(got) != value {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond,
		"client %s never converged on %s: have %v, want %v",
		c.kit.ClientID(), docID, c.doc(docID).Snapshot(), want)
}
