package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/subasta/go/internal/auction/ledger"
	"github.com/mcdev12/subasta/go/internal/auction/transport"
)

// History lists recently finalized rounds. The ledger store implements it.
type History interface {
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
}

// AdminHandler serves health, stats, metrics and the WebSocket bidder
// endpoint next to the line protocol listener.
type AdminHandler struct {
	server   *Server
	history  History
	upgrader websocket.Upgrader

	// ctx bounds the lifetime of upgraded bidder sessions
	ctx context.Context
	wg  sync.WaitGroup
}

// NewAdminHandler creates the admin endpoints. history may be nil.
func NewAdminHandler(ctx context.Context, server *Server, history History) *AdminHandler {
	return &AdminHandler{
		server:  server,
		history: history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Bidders connect from anywhere, same as the TCP listener
				return true
			},
		},
		ctx: ctx,
	}
}

// RegisterRoutes registers the admin routes with an HTTP mux
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/rounds", h.HandleRounds)
	mux.HandleFunc("/ws/auction", h.HandleBidderConnection)
	mux.Handle("/metrics", h.server.coordinator.Metrics().Handler())
}

// Handler returns the routes wrapped with CORS and h2c.
func (h *AdminHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// NewHTTPServer wraps the admin handler in an http.Server on port.
func (h *AdminHandler) NewHTTPServer(port int) *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h.Handler(),
	}
}

// Wait blocks until every WebSocket session started by this handler ends.
func (h *AdminHandler) Wait() {
	h.wg.Wait()
}

func (h *AdminHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.server.coordinator.Stats())
}

// HandleRounds returns the most recent ledger entries, newest first.
func (h *AdminHandler) HandleRounds(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "round ledger is disabled", http.StatusNotFound)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to load round history")
		http.Error(w, "failed to load rounds", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleBidderConnection upgrades to WebSocket and runs a bidder session
// that speaks the same messages as the TCP listener, one per text frame.
func (h *AdminHandler) HandleBidderConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	ch := transport.NewWSChannel(conn, r.RemoteAddr, h.server.config)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.server.ServeChannel(h.ctx, ch, "ws")
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
