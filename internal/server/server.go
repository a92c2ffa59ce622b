package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tileforge/tileforge/internal/apperr"
	"github.com/tileforge/tileforge/internal/auth"
	"github.com/tileforge/tileforge/internal/service"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Server exposes the public tile API and the basic-auth admin group.
type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger

	verifier    *auth.Verifier
	users       *service.UserService
	tokens      *service.TokenService
	generations *service.GenerationService
	placements  *service.PlacementService
	pipeline    *service.Pipeline

	router *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, verifier *auth.Verifier, users *service.UserService, tokens *service.TokenService, generations *service.GenerationService, placements *service.PlacementService, pipeline *service.Pipeline) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:        addr,
		username:    username,
		password:    password,
		log:         log,
		verifier:    verifier,
		users:       users,
		tokens:      tokens,
		generations: generations,
		placements:  placements,
		pipeline:    pipeline,
		router:      r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/slots", s.handleGetSlot)
	r.Group(func(authed chi.Router) {
		authed.Use(s.authMiddleware())
		authed.Get("/api/me", s.handleMe)
		authed.Post("/api/generations", s.handleCreateGeneration)
		authed.Get("/api/generations/{id}", s.handleGetGeneration)
		authed.Post("/api/placements", s.handlePlace)
	})
	r.Group(func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Get("/admin/users/{id}", s.handleGetUser)
		admin.Post("/admin/users/{id}/grant", s.handleGrant)
	})
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// authMiddleware verifies the bearer token, lazily creates the ledger row
// on first authentication, and stashes the user id in the request context.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := s.verifier.VerifyRequest(r)
			if err != nil {
				s.writeErrorCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", "valid bearer token required")
				return
			}
			if _, err := s.users.Ensure(r.Context(), userID); err != nil {
				s.internalError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="tileforge"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeError maps a service error to an HTTP status keyed on its code, so
// clients branch on the code rather than the message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		s.internalError(w, err)
		return
	}
	s.writeErrorCode(w, statusFor(ae.Code), string(ae.Code), ae.Message)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument, apperr.CodeUnsupportedModel:
		return http.StatusBadRequest
	case apperr.CodeUserNotFound, apperr.CodeGenerationNotFound:
		return http.StatusNotFound
	case apperr.CodeGenerationNotOwned:
		return http.StatusForbidden
	case apperr.CodeInsufficientTokens:
		return http.StatusPaymentRequired
	case apperr.CodeCooldownActive:
		return http.StatusTooManyRequests
	case apperr.CodeConflict, apperr.CodeSlotConflict, apperr.CodeGenerationNotApproved, apperr.CodeGenerationNotReady, apperr.CodeGenerationTerminal:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("handler error", "err", err)
	s.writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}
