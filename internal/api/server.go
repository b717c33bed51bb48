package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/originx/one-engine/internal/capability"
	"github.com/originx/one-engine/internal/credit"
	"github.com/originx/one-engine/internal/flow"
	"github.com/originx/one-engine/internal/models"
	"github.com/originx/one-engine/internal/speech"
	"github.com/originx/one-engine/internal/store"
	"github.com/originx/one-engine/internal/voice"
)

const maxBodySize = 64 * 1024

// SynthFactory builds a synthesizer whose audio goes to the given sink.
// Each voice session gets its own instance.
type SynthFactory func(sink speech.AudioSink) (speech.Synthesizer, error)

// Dependencies wires the server's collaborators.
type Dependencies struct {
	Engine   *flow.Engine
	Store    store.ContextStore
	Registry *capability.Registry
	Invoker  *capability.Invoker
	Ledger   credit.Ledger
	SynthFor SynthFactory       // nil disables synthesis in voice sessions
	Voice    speech.VoiceConfig // default synthesis voice
	Timings  voice.Timings      // zero value means voice.DefaultTimings
}

// Server is the HTTP/WebSocket surface of the engine.
type Server struct {
	deps Dependencies
	addr string
}

// Option configures the server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// NewServer creates the API server.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{deps: deps, addr: ":8080"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turn", s.turnHandler)
		r.Post("/greet", s.greetHandler)
		r.Get("/context/{userID}", s.getContextHandler)
		r.Post("/context/{userID}/sync", s.syncContextHandler)
		r.Get("/scenarios/propose", s.proposeScenarioHandler)
		r.Get("/capabilities", s.listCapabilitiesHandler)
		r.Post("/capabilities/{id}/invoke", s.invokeCapabilityHandler)
		r.Get("/credits/{userID}", s.creditsHandler)
		r.Get("/voice", s.voiceHandler)
	})

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
		}
	}()

	slog.Info("Server.Run: listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

// turnHandler processes one conversation turn.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.deps.Engine.HandleTurn(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

type greetRequest struct {
	UserID string `json:"user_id"`
}

// greetHandler produces the initial greeting. Safe to call repeatedly and
// from racing clients.
func (s *Server) greetHandler(w http.ResponseWriter, r *http.Request) {
	var req greetRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.deps.Engine.Greet(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) getContextHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	uc, err := s.deps.Store.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load context")
		return
	}
	if uc == nil {
		writeError(w, http.StatusNotFound, models.ErrContextNotFound.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(uc))
}

type syncRequest struct {
	ClientStep models.Step `json:"client_step"`
}

type syncResult struct {
	Step     models.Step        `json:"step"`
	Resynced bool               `json:"resynced"`
	Context  models.UserContext `json:"context"`
}

// syncContextHandler reports the authoritative step so a client that
// drifted (stale tab, replayed voice turn) can realign.
func (s *Server) syncContextHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req syncRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	uc, err := s.deps.Store.GetOrCreate(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrEmptyUserID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load context")
		return
	}

	resynced := req.ClientStep != "" && req.ClientStep != uc.CurrentStep
	if resynced {
		slog.Info("Server.syncContextHandler: client resynchronized", "userID", userID,
			"clientStep", req.ClientStep, "storeStep", uc.CurrentStep)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(syncResult{
		Step:     uc.CurrentStep,
		Resynced: resynced,
		Context:  *uc,
	}))
}

func (s *Server) proposeScenarioHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	dynamic, _ := strconv.ParseBool(r.URL.Query().Get("dynamic"))

	var capNames []string
	if s.deps.Registry != nil {
		for _, c := range s.deps.Registry.List() {
			if c.Status == models.CapabilityActive {
				capNames = append(capNames, c.Capabilities...)
			}
		}
	}

	sc, err := s.deps.Engine.ProposeScenario(r.Context(), userID, dynamic, capNames)
	if err != nil {
		if errors.Is(err, models.ErrNoScenarioAvailable) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to propose scenario")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sc))
}

func (s *Server) listCapabilitiesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Registry.List()))
}

type invokeRequest struct {
	Input   string              `json:"input"`
	UserID  string              `json:"user_id,omitempty"`
	MaxCost float64             `json:"max_cost,omitempty"`
	Quality models.QualityLevel `json:"quality,omitempty"`
}

// invokeCapabilityHandler runs one capability. The HTTP status is 200 even
// for unsuccessful invocations; the result carries the failure.
func (s *Server) invokeCapabilityHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req invokeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	result := s.deps.Invoker.Invoke(r.Context(), id, req.Input, models.InvokeOptions{
		UserID:  req.UserID,
		MaxCost: req.MaxCost,
		Quality: req.Quality,
	})
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

type creditsResult struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

func (s *Server) creditsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrEmptyUserID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(creditsResult{UserID: userID, Balance: balance}))
}
