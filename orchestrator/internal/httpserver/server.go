package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/audit"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/auth"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/gateway"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/guardrail"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/runner"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/store"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/tasks"
)

const maxBodyBytes = 1 << 20

type Config struct {
	// A2ASecret enables HMAC verification of /a2a/command bodies.
	A2ASecret string
	// JWTSecret enables bearer-token checks on submit routes.
	JWTSecret string
	Logger    *log.Logger
}

type Server struct {
	cfg        Config
	gateway    *gateway.Gateway
	store      store.Store
	trail      *audit.Trail
	guardrails *guardrail.Engine
	metrics    http.Handler
	verifier   *auth.Verifier
	logger     *log.Logger

	warnUnsigned sync.Once
}

func New(cfg Config, gw *gateway.Gateway, st store.Store, trail *audit.Trail, engine *guardrail.Engine, metrics http.Handler) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[http] ", log.LstdFlags)
	}
	return &Server{
		cfg:        cfg,
		gateway:    gw,
		store:      st,
		trail:      trail,
		guardrails: engine,
		metrics:    metrics,
		verifier:   auth.NewVerifier(cfg.JWTSecret, auth.SubmitScope),
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1/cgo", func(r chi.Router) {
		r.With(s.submitAuth).Post("/run-marketing-campaign", s.handleRunCampaign)
		r.Get("/jobs/{jobID}", s.handlePoll(models.CGOUnit.Kind))
	})

	r.Route("/a2a", func(r chi.Router) {
		r.With(s.submitAuth).Post("/command", s.handleA2ACommand)
		r.Get("/jobs/{jobID}", s.handlePoll(models.A2AUnit.Kind))
	})

	r.Route("/ops", func(r chi.Router) {
		r.Get("/audit/history", s.handleHistory)
		r.Get("/guardrails", s.handleGuardrails)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type jobResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result"`
	Error  string           `json:"error,omitempty"`
}

func toResponse(job models.Job) jobResponse {
	return jobResponse{JobID: job.ID, Status: job.Status, Result: job.Result, Error: job.Error}
}

type principalKey struct{}

func (s *Server) submitAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.verifier.VerifyRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if sub != "" {
			r = r.WithContext(context.WithValue(r.Context(), principalKey{}, sub))
		}
		next.ServeHTTP(w, r)
	})
}

func principal(r *http.Request, fallback string) string {
	if sub, ok := r.Context().Value(principalKey{}).(string); ok && sub != "" {
		return sub
	}
	return fallback
}

func (s *Server) handleRunCampaign(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var inputs json.RawMessage
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if trimmed[0] != '{' || !json.Valid(trimmed) {
			respondError(w, http.StatusBadRequest, "campaign inputs must be a JSON object")
			return
		}
		inputs = trimmed
	}
	res, err := s.gateway.Submit(r.Context(), gateway.SubmitRequest{
		Kind:           models.CGOUnit.Kind,
		Inputs:         inputs,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Actor:          principal(r, "api"),
	})
	s.respondSubmit(w, res, err)
}

func (s *Server) handleA2ACommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.A2ASecret != "" {
		if err := auth.VerifySignature(s.cfg.A2ASecret, body, r.Header.Get(auth.SignatureHeader)); err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
	} else {
		s.warnUnsigned.Do(func() {
			s.logger.Printf("A2A_SECRET not set; accepting unsigned A2A commands")
		})
	}

	if err := tasks.ValidateCommandJSON(body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var cmd tasks.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command body")
		return
	}
	if err := cmd.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputs, err := cmd.Inputs()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := cmd.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	res, err := s.gateway.Submit(r.Context(), gateway.SubmitRequest{
		Kind:           models.A2AUnit.Kind,
		Inputs:         inputs,
		IdempotencyKey: key,
		Actor:          principal(r, "a2a:"+cmd.Source),
	})
	s.respondSubmit(w, res, err)
}

func (s *Server) respondSubmit(w http.ResponseWriter, res gateway.SubmitResult, err error) {
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Printf("submit failed: %v", err)
		}
		respondError(w, status, err.Error())
		return
	}
	if res.Replayed {
		respondJSON(w, http.StatusOK, toResponse(res.Job))
		return
	}
	respondJSON(w, http.StatusAccepted, toResponse(res.Job))
}

// handlePoll serves jobs of one kind. Ids of other kinds are not found.
func (s *Server) handlePoll(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")
		job, err := s.gateway.Poll(r.Context(), id)
		if err == nil && job.Kind != kind {
			err = fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		if err != nil {
			respondError(w, statusFor(err), err.Error())
			return
		}
		respondJSON(w, http.StatusOK, toResponse(job))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events":  s.trail.History(),
		"c_units": s.trail.CUnits(),
	})
}

func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"guardrails": s.guardrails.Guardrails()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
