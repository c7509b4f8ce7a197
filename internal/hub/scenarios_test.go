package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkeluna/synckit-go/internal/client"
)

// Offline write then reconnect: the queued write reaches every
// replica.
func TestOfflineWriteReplaysOnReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	a := h.newClient("A")
	b := h.newClient("B")
	a.connect()
	b.connect()

	b.doc("d")

	a.set("d", "x", `"1"`)
	a.waitDrained()
	b.waitSnapshot("d", map[string]string{"x": `"1"`})

	a.disconnect()
	a.set("d", "x", `"2"`)
	assert.Equal(t, 1, a.kit.QueueLen(), "offline write must stay queued")

	a.connect()
	a.waitDrained()

	a.waitSnapshot("d", map[string]string{"x": `"2"`})
	b.waitSnapshot("d", map[string]string{"x": `"2"`})
}

// Concurrent offline writes to one field: the later stamp wins on
// every replica.
func TestConcurrentOfflineWritesLastWriterWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	a := h.newClient("A")
	b := h.newClient("B")
	a.connect()
	b.connect()

	a.set("d", "k", `"orig"`)
	a.waitDrained()
	b.waitSnapshot("d", map[string]string{"k": `"orig"`})

	a.disconnect()
	b.disconnect()

	a.set("d", "k", `"A"`)
	time.Sleep(5 * time.Millisecond) // B's wall-clock stamp lands later
	b.set("d", "k", `"B"`)

	a.connect()
	a.waitDrained()
	b.connect()
	b.waitDrained()

	a.waitSnapshot("d", map[string]string{"k": `"B"`})
	b.waitSnapshot("d", map[string]string{"k": `"B"`})
}

// Concurrent online writes to different fields merge additively.
func TestConcurrentWritesDifferentFieldsMerge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	a := h.newClient("A")
	b := h.newClient("B")
	a.connect()
	b.connect()

	a.set("d", "a", `"A"`)
	b.set("d", "b", `"B"`)

	want := map[string]string{"a": `"A"`, "b": `"B"`}
	a.waitSnapshot("d", want)
	b.waitSnapshot("d", want)
}

// A deleted field disappears everywhere.
func TestDeletePropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	a := h.newClient("A")
	b := h.newClient("B")
	a.connect()
	b.connect()

	a.set("d", "temp", `"v"`)
	a.waitDrained()
	b.waitSnapshot("d", map[string]string{"temp": `"v"`})

	b.del("d", "temp")
	b.waitDrained()

	a.waitSnapshot("d", map[string]string{})
	b.waitSnapshot("d", map[string]string{})
}

// Four clients write the same field offline; all replicas converge on
// one winner.
func TestFourWayOfflineConvergence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	names := []string{"A", "B", "C", "D"}
	clients := make([]*testClient, len(names))

	for i, name := range names {
		clients[i] = h.newClient(name)
		clients[i].connect()
		clients[i].doc("d")
	}

	for _, c := range clients {
		c.disconnect()
	}

	for i, c := range clients {
		c.set("d", "shared", fmt.Sprintf("%q", names[i]))
	}

	for _, c := range clients {
		c.connect()
	}

	for _, c := range clients {
		c.waitDrained()
	}

	// Every replica must hold the same value, and it must be one of
	// the four writes.
	reference := clients[0]
	require.Eventually(t, func() bool {
		value, ok := reference.doc("d").Get("shared")
		if !ok {
			return false
		}

		for _, c := range clients[1:] {
			got, ok := c.doc("d").Get("shared")
			if !ok || string(got) != string(value) {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)

	value, _ := reference.doc("d").Get("shared")
	assert.Contains(t, []string{`"A"`, `"B"`, `"C"`, `"D"`}, string(value))
}

// Twenty offline writes to distinct fields all arrive.
func TestManyOfflineWritesAllDelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	a := h.newClient("A")
	b := h.newClient("B")
	b.connect()
	b.doc("d")

	want := map[string]string{}

	for i := 0; i < 20; i++ {
		field := fmt.Sprintf("field-%02d", i)
		value := fmt.Sprintf(`"value-%02d"`, i)
		a.set("d", field, value)
		want[field] = value
	}

	assert.Equal(t, 20, a.kit.QueueLen())

	a.connect()
	a.waitDrained()

	a.waitSnapshot("d", want)
	b.waitSnapshot("d", want)

	// The server's durable snapshot agrees.
	doc, err := h.store.GetDocument(context.Background(), "d")
	require.NoError(t, err)

	live := 0

	for field, rec := range doc.State {
		if !rec.Tombstone {
			live++

			assert.Equal(t, want[field], string(rec.Value))
		}
	}

	assert.Equal(t, 20, live)
}

// A client that restarts with un-acked deltas delivers them exactly
// once in effect.
func TestRestartWithUnackedQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	b := h.newClient("B")
	b.connect()
	b.doc("d")

	a := h.newClient("A")
	a.set("d", "x", `"pre-restart"`)
	require.Equal(t, 1, a.kit.QueueLen())

	// Restart: a fresh engine over the same storage.
	restarted := h.attachClient("A", a.store)
	require.Equal(t, 1, restarted.kit.QueueLen(), "queue must survive restart")

	restarted.connect()
	restarted.waitDrained()

	b.waitSnapshot("d", map[string]string{"x": `"pre-restart"`})

	// Replaying the same queue again must not change anything.
	again := h.attachClient("A", a.store)
	again.connect()
	again.waitDrained()
	b.waitSnapshot("d", map[string]string{"x": `"pre-restart"`})
}

// Reconnect storm: ten clients drop and reconnect simultaneously and
// still converge.
func TestReconnectStorm(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	const n = 10

	clients := make([]*testClient, n)
	for i := range clients {
		clients[i] = h.newClient(fmt.Sprintf("client-%02d", i))
		clients[i].connect()
		clients[i].doc("d")
	}

	for _, c := range clients {
		c.disconnect()
	}

	want := map[string]string{}

	for i, c := range clients {
		field := fmt.Sprintf("own-%02d", i)
		value := fmt.Sprintf(`"w%02d"`, i)
		c.set("d", field, value)
		want[field] = value
	}

	for _, c := range clients {
		c.connect()
	}

	for _, c := range clients {
		c.waitDrained()
	}

	for _, c := range clients {
		c.waitSnapshot("d", want)
	}
}

// A partition longer than the heartbeat window heals: missed deltas
// replay from the hub on resubscribe.
func TestPartitionHealReplaysMissedDeltas(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	a := h.newClient("A")
	b := h.newClient("B")
	a.connect()
	b.connect()
	a.doc("d")

	a.set("d", "before", `"x"`)
	a.waitDrained()
	b.waitSnapshot("d", map[string]string{"before": `"x"`})

	b.disconnect()

	// Writes land while B is partitioned away — several heartbeat
	// windows' worth.
	a.set("d", "during-1", `"y"`)
	a.set("d", "during-2", `"z"`)
	a.waitDrained()
	time.Sleep(600 * time.Millisecond)

	b.connect()
	b.waitSnapshot("d", map[string]string{
		"before":   `"x"`,
		"during-1": `"y"`,
		"during-2": `"z"`,
	})
}

// The subscribe catch-up falls back to the storage log once the ring
// has evicted history.
func TestCatchUpBeyondRingFallsBackToLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{RingSize: 5})

	a := h.newClient("A")
	a.connect()
	a.doc("d")

	want := map[string]string{}

	// Three times the ring size: a late subscriber's gap cannot be
	// answered from the ring alone.
	for i := 0; i < 15; i++ {
		field := fmt.Sprintf("f%02d", i)
		value := fmt.Sprintf(`"%d"`, i)
		a.set("d", field, value)
		want[field] = value
	}

	a.waitDrained()

	late := h.newClient("LATE")
	late.connect()
	late.waitSnapshot("d", want)
}

// An auth-rejected client lands in Failed and stays there.
func TestAuthRejectionIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AuthToken: "correct"})

	bad := h.attachClientWithToken("A", "wrong")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := bad.Run(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "auth failure must end Run before the deadline")
	assert.Equal(t, client.StateFailed, bad.ConnState())
}

// The right token connects.
func TestAuthAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AuthToken: "correct"})

	good := h.attachClientWithToken("A", "correct")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- good.Run(ctx) }()

	require.Eventually(t, func() bool {
		return good.ConnState() == client.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
