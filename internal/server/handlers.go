package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tileforge/tileforge/internal/models"
)

type generationResponse struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Prompt          string  `json:"prompt"`
	Model           string  `json:"model"`
	Size            string  `json:"size"`
	Status          string  `json:"status"`
	TokenCost       int     `json:"token_cost"`
	ImageURL        *string `json:"image_url,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
}

func toGenerationResponse(g *models.Generation) generationResponse {
	return generationResponse{
		ID:              g.ID,
		UserID:          g.UserID,
		Prompt:          g.Prompt,
		Model:           string(g.Model),
		Size:            g.Size,
		Status:          string(g.Status),
		TokenCost:       g.TokenCost,
		ImageURL:        g.ImageURL,
		RejectionReason: g.RejectionReason,
		ErrorMessage:    g.ErrorMessage,
	}
}

type slotResponse struct {
	ID                 int64   `json:"id"`
	Z                  int     `json:"z"`
	X                  int     `json:"x"`
	Y                  int     `json:"y"`
	CurrentPlacementID *string `json:"current_placement_id,omitempty"`
	Version            int64   `json:"version"`
}

func toSlotResponse(s *models.Slot) slotResponse {
	return slotResponse{
		ID:                 s.ID,
		Z:                  s.Z,
		X:                  s.X,
		Y:                  s.Y,
		CurrentPlacementID: s.CurrentPlacementID,
		Version:            s.Version,
	}
}

type placementResponse struct {
	ID           string `json:"id"`
	SlotID       int64  `json:"slot_id"`
	UserID       string `json:"user_id"`
	GenerationID string `json:"generation_id"`
	ImageURL     string `json:"image_url"`
}

func toPlacementResponse(p *models.Placement) placementResponse {
	return placementResponse{
		ID:           p.ID,
		SlotID:       p.SlotID,
		UserID:       p.UserID,
		GenerationID: p.GenerationID,
		ImageURL:     p.ImageURL,
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	state, err := s.tokens.State(r.Context(), userIDFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type createGenerationRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Size   string `json:"size"`
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req createGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json")
		return
	}

	userID := userIDFrom(r)
	model := models.ModelType(strings.TrimSpace(req.Model))

	state, err := s.tokens.Reserve(r.Context(), userID, model)
	if err != nil {
		s.writeError(w, err)
		return
	}

	gen, err := s.generations.Create(r.Context(), userID, strings.TrimSpace(req.Prompt), model, req.Size)
	if err != nil {
		// Tokens were already charged; failure here is not refunded.
		s.writeError(w, err)
		return
	}

	// The pipeline outlives the HTTP request.
	go s.pipeline.Run(context.WithoutCancel(r.Context()), gen)

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"generation": toGenerationResponse(gen),
		"tokens":     state,
	})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	gen, err := s.generations.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if gen.UserID != userIDFrom(r) {
		s.writeErrorCode(w, http.StatusNotFound, "GENERATION_NOT_FOUND", "generation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toGenerationResponse(gen))
}

type placeRequest struct {
	GenerationID string `json:"generation_id"`
	Z            *int   `json:"z"`
	X            *int   `json:"x"`
	Y            *int   `json:"y"`
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json")
		return
	}
	if req.Z == nil || req.X == nil || req.Y == nil {
		s.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "z, x and y are required")
		return
	}

	placement, slot, err := s.placements.Place(r.Context(), userIDFrom(r), strings.TrimSpace(req.GenerationID), *req.Z, *req.X, *req.Y)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"placement": toPlacementResponse(placement),
		"slot":      toSlotResponse(slot),
	})
}

func (s *Server) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	z, errZ := strconv.Atoi(r.URL.Query().Get("z"))
	x, errX := strconv.Atoi(r.URL.Query().Get("x"))
	y, errY := strconv.Atoi(r.URL.Query().Get("y"))
	if errZ != nil || errX != nil || errY != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "z, x and y query parameters are required")
		return
	}

	slot, placement, err := s.placements.View(r.Context(), z, x, y)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if slot == nil {
		s.writeErrorCode(w, http.StatusNotFound, "SLOT_NOT_FOUND", "no slot at coordinate")
		return
	}
	resp := map[string]any{"slot": toSlotResponse(slot)}
	if placement != nil {
		resp["placement"] = toPlacementResponse(placement)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type userResponse struct {
	ID               string `json:"id"`
	TokensCurrent    int    `json:"tokens_current"`
	TokensMax        int    `json:"tokens_max"`
	TotalGenerations int    `json:"total_generations"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:               u.ID,
		TokensCurrent:    u.TokensCurrent,
		TokensMax:        u.TokensMax,
		TotalGenerations: u.TotalGenerations,
	}
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toUserResponse(user))
}

type grantRequest struct {
	Amount int `json:"amount"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json")
		return
	}
	user, err := s.users.Grant(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toUserResponse(user))
}
