package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nostr-outbox/internal/tail"
)

type statusServer struct {
	srv    *http.Server
	addr   string
	logger *slog.Logger
}

func newStatusMux(reg *prometheus.Registry, store *tail.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
	})
	mux.HandleFunc("/events", eventsHandler(store))
	return mux
}

// eventsHandler serves the recent-events store. Query params: kind (repeatable), limit.
func eventsHandler(store *tail.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter nostr.Filter
		for _, k := range r.URL.Query()["kind"] {
			kind, err := strconv.Atoi(k)
			if err != nil {
				http.Error(w, "invalid kind", http.StatusBadRequest)
				return
			}
			filter.Kinds = append(filter.Kinds, kind)
		}

		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		events := store.Events(filter, limit)
		if events == nil {
			events = []nostr.Event{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := gojson.NewEncoder(w).Encode(events); err != nil {
			slog.Debug("events response write failed", "error", err)
		}
	}
}

func startServer(addr string, reg *prometheus.Registry, store *tail.Store, logger *slog.Logger) (*statusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s := &statusServer{
		srv: &http.Server{
			Handler:           newStatusMux(reg, store),
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr:   ln.Addr().String(),
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", s.addr)
	return s, nil
}

func (s *statusServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("status server shutdown", "error", err)
	}
}
