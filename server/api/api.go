// Package api is the HTTP API of the server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/orchestrator"
	"github.com/gammadia/nomadcloud/provisioner/nomad"
)

// maxBodySize bounds request bodies, provider definitions included.
const maxBodySize = 1 << 20

type Config struct {
	Logger       *slog.Logger
	Orchestrator *orchestrator.Orchestrator
	Registry     *nomad.Registry
	// Options are used to test provider definitions that are not registered.
	Options  nomad.Options
	Gatherer prometheus.Gatherer
	// Ping checks the server dependencies for /healthz
	Ping func(ctx context.Context) error
	// LogLevel is changed at runtime through /log-level, the endpoint is
	// disabled when nil.
	LogLevel *slog.LevelVar
	Version  string
	Commit   string
}

type Server struct {
	config Config
	log    *slog.Logger
	status *statusTracker
	router *chi.Mux
}

func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	logger := config.Logger.With("component", "api")
	s := &Server{
		config: config,
		log:    logger,
		status: newStatusTracker(config.Version, config.Commit, logger),
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// Listen tracks orchestrator events until the orchestrator unsubscribes.
func (s *Server) Listen(c <-chan orchestrator.Event) {
	s.status.listen(c)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", s.getStatus)
	if s.config.LogLevel != nil {
		r.Put("/log-level", s.setLogLevel)
	}

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", s.listProviders)
		r.Post("/test", s.testDefinition)
		r.Route("/{provider}", func(r chi.Router) {
			r.Post("/test", s.testProvider)
			r.Get("/templates", s.listTemplates)
		})
	})

	r.Post("/provision", s.provision)

	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.listNodes)
		r.Route("/{node}", func(r chi.Router) {
			r.Get("/", s.getNode)
			r.Delete("/", s.removeNode)
			r.Get("/log", s.getLog)
			r.Post("/connect", s.connect)
			r.Post("/acquire", s.acquire)
			r.Post("/release", s.release)
		})
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("Request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "request-id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.config.Ping != nil {
		if err := s.config.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.status.Status(s.config.Orchestrator.Nodes())
	if s.config.LogLevel != nil {
		status.LogLevel = s.config.LogLevel.Level().String()
	}
	writeJSON(w, http.StatusOK, status)
}

type LogLevelRequest struct {
	Level string `json:"level"`
}

func (s *Server) setLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if !readJSON(w, r, &req) {
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(req.Level)); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid log level '%s'", req.Level))
		return
	}

	if previous := s.config.LogLevel.Level(); previous != level {
		s.config.LogLevel.Set(level)
		s.log.Info("Log level changed", "previous", previous, "level", level)
	}
	writeJSON(w, http.StatusOK, LogLevelRequest{Level: level.String()})
}

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Namespace    string   `json:"namespace"`
	ContainerCap int      `json:"container-cap,omitempty"`
	Templates    []string `json:"templates"`
	InFlight     []string `json:"in-flight"`
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	providers := lo.Map(s.config.Registry.Providers(), func(p *nomad.Provider, _ int) ProviderInfo {
		config := p.Config()
		return ProviderInfo{
			Name:         p.Name(),
			Address:      config.Address,
			Namespace:    config.Namespace,
			ContainerCap: config.ContainerCap,
			Templates:    lo.Map(p.Templates(), func(t *cloud.Template, _ int) string { return t.Name }),
			InFlight:     p.InFlight().Names(),
		}
	})
	writeJSON(w, http.StatusOK, providers)
}

// TestResult is the outcome of a connection test, for display.
type TestResult struct {
	Message string `json:"message"`
	OK      bool   `json:"ok"`
}

const testSuccessful = "Connection test successful"

func (s *Server) testProvider(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.provider(w, r)
	if !ok {
		return
	}

	message := provider.TestConnection(r.Context())
	writeJSON(w, http.StatusOK, TestResult{Message: message, OK: message == testSuccessful})
}

// testDefinition tests a YAML provider definition without registering it.
func (s *Server) testDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var config nomad.Config
	if err := yaml.Unmarshal(body, &config); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid provider definition: %w", err))
		return
	}

	message := nomad.TestConnection(r.Context(), config, s.config.Options)
	writeJSON(w, http.StatusOK, TestResult{Message: message, OK: message == testSuccessful})
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.provider(w, r)
	if !ok {
		return
	}

	templates := provider.Templates()
	if label := r.URL.Query().Get("label"); r.URL.Query().Has("label") {
		templates = provider.TemplatesFor(label)
	}
	writeJSON(w, http.StatusOK, lo.Map(templates, func(t *cloud.Template, _ int) cloud.Template { return *t }))
}

// ProvisionRequest asks for agents for a label. Without a provider, providers
// are tried in order until one grants agents.
type ProvisionRequest struct {
	Provider string `json:"provider,omitempty"`
	Label    string `json:"label"`
	Excess   int    `json:"excess"`
}

type ProvisionResponse struct {
	Provider string   `json:"provider,omitempty"`
	Nodes    []string `json:"nodes"`
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Excess < 1 {
		writeError(w, http.StatusBadRequest, errors.New("excess must be positive"))
		return
	}

	providers := s.config.Registry.Providers()
	if req.Provider != "" {
		provider, ok := s.config.Registry.Get(req.Provider)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: '%s'", nomad.ErrProviderNotFound, req.Provider))
			return
		}
		providers = []*nomad.Provider{provider}
	}

	resp := ProvisionResponse{Nodes: []string{}}
	for _, provider := range providers {
		names, err := s.config.Orchestrator.Demand(r.Context(), provider, req.Label, req.Excess)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		if len(names) > 0 {
			resp = ProvisionResponse{Provider: provider.Name(), Nodes: names}
			break
		}
	}

	s.log.Info("Provisioning requested", "label", req.Label, "excess", req.Excess, "provider", resp.Provider, "nodes", resp.Nodes)
	writeJSON(w, lo.Ternary(len(resp.Nodes) > 0, http.StatusAccepted, http.StatusOK), resp)
}

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Orchestrator.Nodes())
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "node")
	node, ok := s.config.Orchestrator.Node(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", orchestrator.ErrNodeNotFound, name))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "node")
	buildLog, ok := s.config.Orchestrator.Log(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", orchestrator.ErrNodeNotFound, name))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, buildLog)
}

// TerminationResponse is the JSON form of cloud.TerminationResult.
type TerminationResponse struct {
	Node         string `json:"node"`
	Disconnected bool   `json:"disconnected"`
	Deregistered bool   `json:"deregistered"`
	EvalID       string `json:"eval-id,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) removeNode(w http.ResponseWriter, r *http.Request) {
	result, err := s.config.Orchestrator.Remove(r.Context(), chi.URLParam(r, "node"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	resp := TerminationResponse{
		Node:         result.Node,
		Disconnected: result.Disconnected,
		Deregistered: result.Deregistered,
		EvalID:       result.EvalID,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type ConnectRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.config.Orchestrator.Connect(chi.URLParam(r, "node"), strings.TrimSpace(req.Secret)); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Orchestrator.Acquire(chi.URLParam(r, "node")); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Orchestrator.Release(chi.URLParam(r, "node")); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) provider(w http.ResponseWriter, r *http.Request) (*nomad.Provider, bool) {
	name := chi.URLParam(r, "provider")
	provider, ok := s.config.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: '%s'", nomad.ErrProviderNotFound, name))
	}
	return provider, ok
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrInvalidSecret):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, orchestrator.ErrNotAccepting), errors.Is(err, orchestrator.ErrNotBusy):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, orchestrator.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return false
	}
	return true
}
