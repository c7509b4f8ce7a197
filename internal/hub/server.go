package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/qkeluna/synckit-go/internal/storage"
)

// shutdownGrace bounds how long Run waits for in-flight requests on
// shutdown.
const shutdownGrace = 5 * time.Second

// Server wires the Hub into an HTTP listener: the /sync websocket
// endpoint plus a small REST surface for health and document listing.
type Server struct {
	hub    *Hub
	addr   string
	logger *slog.Logger
}

// NewServer creates a Server for the hub.
func NewServer(h *Hub, addr string, logger *slog.Logger) *Server {
	return &Server{hub: h, addr: addr, logger: logger}
}

// Router builds the chi route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/sync", s.handleSync)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/docs", s.handleListDocs)
	})

	return r
}

// Run serves HTTP and the compaction worker until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", slog.String("addr", s.addr))

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		s.hub.runCompaction(ctx)

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleHealth reports liveness and the live session count.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.hub.SessionCount(),
	})
}

// handleSync upgrades to a websocket and hands the connection to the
// hub.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))

		return
	}

	s.hub.serve(r.Context(), conn)
}

// docListing is the REST shape of a document row.
type docListing struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	Fields    int    `json:"fields"`
	UpdatedAt int64  `json:"updatedAt"`
}

// handleListDocs pages over stored document snapshots.
func (s *Server) handleListDocs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	docs, err := s.hub.store.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("document listing failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "listing failed"})

		return
	}

	listings := make([]docListing, 0, len(docs))

	for _, doc := range docs {
		listings = append(listings, docListing{
			ID:        doc.ID,
			Version:   doc.Version,
			Fields:    countLive(doc.State),
			UpdatedAt: doc.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": listings,
		"limit":     limit,
		"offset":    offset,
	})
}

// countLive counts non-tombstone fields in a snapshot.
func countLive(state storage.State) int {
	n := 0

	for _, rec := range state {
		if !rec.Tombstone {
			n++
		}
	}

	return n
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}

	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
