package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/qkeluna/synckit-go/internal/replica"
	"github.com/qkeluna/synckit-go/internal/storage"
)

// runCompaction drops delta log entries and tombstones no live
// session could still contend with, and sweeps stale session rows.
// Blocks until ctx is cancelled. The first pass waits a full interval
// so startup is not burdened.
func (h *Hub) runCompaction(ctx context.Context) {
	h.logger.Info("compaction worker started",
		slog.Duration("interval", h.cfg.CompactionInterval),
		slog.Duration("retention", h.cfg.TombstoneRetention),
	)

	ticker := time.NewTicker(h.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("compaction worker stopped")

			return
		case <-ticker.C:
			h.compactOnce(ctx)
		}
	}
}

// compactOnce runs one compaction pass.
func (h *Hub) compactOnce(ctx context.Context) {
	cutoff := h.compactionCutoff(ctx)

	docs, err := h.store.ListDocuments(ctx, 0, 0)
	if err != nil {
		h.logger.Warn("compaction: listing documents failed", slog.String("error", err.Error()))

		return
	}

	prunedDeltas := 0
	prunedTombstones := 0

	for _, doc := range docs {
		n, err := h.store.PruneDeltas(ctx, doc.ID, cutoff)
		if err != nil {
			h.logger.Warn("compaction: pruning deltas failed",
				slog.String("doc", doc.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		prunedDeltas += n
		prunedTombstones += h.pruneTombstones(ctx, doc, cutoff)
	}

	result, err := h.store.Cleanup(ctx, storage.CleanupOptions{
		OldSessionsHours: int(h.cfg.SessionMaxAge.Hours()),
	})
	if err != nil {
		h.logger.Warn("compaction: session sweep failed", slog.String("error", err.Error()))
	}

	h.logger.Info("compaction pass complete",
		slog.Int("documents", len(docs)),
		slog.Int("deltas_pruned", prunedDeltas),
		slog.Int("tombstones_pruned", prunedTombstones),
		slog.Int("sessions_deleted", result.SessionsDeleted),
	)
}

// compactionCutoff returns the stamp-physical cutoff in milliseconds:
// the oldest live session's last-seen minus the safety window. With
// no sessions at all, now minus the safety window applies.
func (h *Hub) compactionCutoff(ctx context.Context) uint64 {
	minLastSeen := time.Now().UnixNano()

	sessions, err := h.store.GetSessions(ctx, "")
	if err != nil {
		h.logger.Warn("compaction: listing sessions failed", slog.String("error", err.Error()))
	} else {
		for _, s := range sessions {
			if s.LastSeen < minLastSeen {
				minLastSeen = s.LastSeen
			}
		}
	}

	cutoffNano := minLastSeen - h.cfg.TombstoneRetention.Nanoseconds()
	if cutoffNano < 0 {
		return 0
	}

	return uint64(cutoffNano / int64(time.Millisecond))
}

// pruneTombstones rewrites a document snapshot without tombstones
// older than the cutoff. The in-memory docState (when loaded) is
// pruned through its replica so live fan-out sees the same view.
func (h *Hub) pruneTombstones(ctx context.Context, doc *storage.DocumentState, cutoffMillis uint64) int {
	h.mu.Lock()
	live := h.docs[doc.ID]
	h.mu.Unlock()

	if live != nil {
		live.mu.Lock()

		pruned := live.rep.PruneTombstones(cutoffMillis)
		if pruned > 0 {
			if _, err := h.store.UpdateDocument(ctx, doc.ID, live.rep.Records()); err != nil {
				h.logger.Warn("compaction: snapshot rewrite failed",
					slog.String("doc", doc.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		live.mu.Unlock()

		return pruned
	}

	rep := replica.Load(doc.ID, doc.State, nil)

	pruned := rep.PruneTombstones(cutoffMillis)
	if pruned == 0 {
		return 0
	}

	if _, err := h.store.UpdateDocument(ctx, doc.ID, rep.Records()); err != nil {
		h.logger.Warn("compaction: snapshot rewrite failed",
			slog.String("doc", doc.ID),
			slog.String("error", err.Error()),
		)

		return 0
	}

	return pruned
}
