package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"areagroups/internal/groups"
	"areagroups/internal/state"
)

// Server provides HTTP API endpoints for the area group service
type Server struct {
	groups *groups.Service
	store  *state.Store
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a new API server. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewServer(svc *groups.Service, store *state.Store, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		groups: svc,
		store:  store,
		logger: logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/groups", s.handleListGroups)
	mux.HandleFunc("GET /api/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("GET /api/entities", s.handleListEntities)
	mux.HandleFunc("POST /api/switches/{entity_id}/{action}", s.handleSwitch)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// errorResponse is the body of every non-2xx JSON reply
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"groups": len(s.groups.IDs()),
	})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	all := s.groups.Groups()
	infos := make([]groups.Info, 0, len(all))
	for _, g := range all {
		infos = append(infos, g.Info())
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, ok := s.groups.Group(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("group %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, g.Info())
}

// handleListEntities returns the last state of every derived entity
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.All())
}

// switchResponse reports a switch's state after a command
type switchResponse struct {
	EntityID string `json:"entity_id"`
	On       bool   `json:"on"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	action := r.PathValue("action")

	sw, ok := s.groups.Switch(entityID)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("switch %s not found", entityID))
		return
	}

	var err error
	switch action {
	case "turn_on":
		err = sw.TurnOn()
	case "turn_off":
		err = sw.TurnOff()
	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %s", action))
		return
	}
	if err != nil {
		s.logger.Error("Switch command failed",
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Switch command applied",
		zap.String("entity_id", entityID),
		zap.String("action", action),
		zap.String("remote_addr", r.RemoteAddr))
	s.writeJSON(w, http.StatusOK, switchResponse{EntityID: entityID, On: sw.IsOn()})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check"},
	{Path: "/api/groups", Method: "GET", Description: "List area groups with members and derived entities"},
	{Path: "/api/groups/{id}", Method: "GET", Description: "One area group"},
	{Path: "/api/entities", Method: "GET", Description: "Last published state of every derived entity"},
	{Path: "/api/switches/{entity_id}/turn_on", Method: "POST", Description: "Turn a derived switch on"},
	{Path: "/api/switches/{entity_id}/turn_off", Method: "POST", Description: "Turn a derived switch off"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap lists the available endpoints. Unknown paths get a 404 with
// the same body.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := http.StatusOK
	if r.URL.Path != "/" {
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "Area Groups API\n")
	fmt.Fprintf(w, "===============\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-36s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
