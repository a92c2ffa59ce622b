package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tileforge/tileforge/internal/auth"
	"github.com/tileforge/tileforge/internal/config"
	"github.com/tileforge/tileforge/internal/imagegen"
	"github.com/tileforge/tileforge/internal/models"
	"github.com/tileforge/tileforge/internal/service"
)

const (
	testSecret    = "server-test-secret"
	testAdminUser = "admin"
	testAdminPass = "hunter2"
)

// memStore backs every service interface with one lock-guarded in-memory
// state, mirroring the SQL layer's conditional-update semantics.
type memStore struct {
	mu         sync.Mutex
	users      map[string]*models.User
	gens       map[string]*models.Generation
	slots      map[[3]int]*models.Slot
	placements map[string]*models.Placement
	nextSlotID int64
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[string]*models.User),
		gens:       make(map[string]*models.Generation),
		slots:      make(map[[3]int]*models.Slot),
		placements: make(map[string]*models.Placement),
	}
}

func (m *memStore) Ensure(_ context.Context, id string, tokensMax int) (*models.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, false, nil
	}
	u := &models.User{ID: id, TokensCurrent: tokensMax, TokensMax: tokensMax}
	m.users[id] = u
	cp := *u
	return &cp, true, nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) Grant(_ context.Context, id string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.TokensCurrent += amount
	if u.TokensCurrent > u.TokensMax {
		u.TokensCurrent = u.TokensMax
	}
	return nil
}

func (m *memStore) ApplyReservation(_ context.Context, userID string, expectedTokens int, expectedCooldown *time.Time, newTokens int, newCooldown time.Time, newTotal int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TokensCurrent != expectedTokens {
		return false, nil
	}
	if (u.CooldownUntil == nil) != (expectedCooldown == nil) {
		return false, nil
	}
	if u.CooldownUntil != nil && !u.CooldownUntil.Equal(*expectedCooldown) {
		return false, nil
	}
	u.TokensCurrent = newTokens
	u.CooldownUntil = &newCooldown
	u.TotalGenerations = newTotal
	return true, nil
}

func (m *memStore) Insert(_ context.Context, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.gens[g.ID] = &cp
	return nil
}

func (m *memStore) FindGeneration(_ context.Context, id string) (*models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) mutateGen(id string, apply func(*models.Generation)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok || g.Status.Terminal() {
		return false, nil
	}
	apply(g)
	return true, nil
}

func (m *memStore) SetGenerating(_ context.Context, id string) (bool, error) {
	return m.mutateGen(id, func(g *models.Generation) { g.Status = models.StatusGenerating })
}

func (m *memStore) SetApproved(_ context.Context, id, imageURL string) (bool, error) {
	return m.mutateGen(id, func(g *models.Generation) {
		g.Status = models.StatusApproved
		g.ImageURL = &imageURL
		g.RejectionReason = nil
		g.ErrorMessage = nil
	})
}

func (m *memStore) SetRejected(_ context.Context, id, reason string) (bool, error) {
	return m.mutateGen(id, func(g *models.Generation) {
		g.Status = models.StatusRejected
		g.RejectionReason = &reason
		g.ImageURL = nil
		g.ErrorMessage = nil
	})
}

func (m *memStore) SetFailed(_ context.Context, id, message string) (bool, error) {
	return m.mutateGen(id, func(g *models.Generation) {
		g.Status = models.StatusFailed
		g.ErrorMessage = &message
		g.ImageURL = nil
		g.RejectionReason = nil
	})
}

func (m *memStore) Resolve(_ context.Context, z, x, y int) (*models.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [3]int{z, x, y}
	if s, ok := m.slots[key]; ok {
		cp := *s
		return &cp, nil
	}
	m.nextSlotID++
	s := &models.Slot{ID: m.nextSlotID, Z: z, X: x, Y: y}
	m.slots[key] = s
	cp := *s
	return &cp, nil
}

func (m *memStore) FindByCoord(_ context.Context, z, x, y int) (*models.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[[3]int{z, x, y}]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Redirect(_ context.Context, slotID int64, placementID string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.ID != slotID {
			continue
		}
		if s.Version != expectedVersion {
			return false, nil
		}
		id := placementID
		s.CurrentPlacementID = &id
		s.Version++
		return true, nil
	}
	return false, nil
}

// Placement store methods. FindByID on placements is disambiguated below
// via small adapter types because memStore.FindByID serves users.

type genReader struct{ m *memStore }

func (r genReader) FindByID(ctx context.Context, id string) (*models.Generation, error) {
	return r.m.FindGeneration(ctx, id)
}

type placementStore struct{ m *memStore }

func (p placementStore) Insert(_ context.Context, pl *models.Placement) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	cp := *pl
	p.m.placements[pl.ID] = &cp
	return nil
}

func (p placementStore) Delete(_ context.Context, id string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	delete(p.m.placements, id)
	return nil
}

func (p placementStore) FindByID(_ context.Context, id string) (*models.Placement, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	pl, ok := p.m.placements[id]
	if !ok {
		return nil, nil
	}
	cp := *pl
	return &cp, nil
}

type genStore struct{ m *memStore }

func (g genStore) Insert(ctx context.Context, gen *models.Generation) error {
	return g.m.Insert(ctx, gen)
}
func (g genStore) FindByID(ctx context.Context, id string) (*models.Generation, error) {
	return g.m.FindGeneration(ctx, id)
}
func (g genStore) SetGenerating(ctx context.Context, id string) (bool, error) {
	return g.m.SetGenerating(ctx, id)
}
func (g genStore) SetApproved(ctx context.Context, id, imageURL string) (bool, error) {
	return g.m.SetApproved(ctx, id, imageURL)
}
func (g genStore) SetRejected(ctx context.Context, id, reason string) (bool, error) {
	return g.m.SetRejected(ctx, id, reason)
}
func (g genStore) SetFailed(ctx context.Context, id, message string) (bool, error) {
	return g.m.SetFailed(ctx, id, message)
}

type stubProducer struct{}

func (stubProducer) Generate(_ context.Context, _ imagegen.Options) (*imagegen.Result, error) {
	return nil, fmt.Errorf("producer disabled in tests")
}

type stubUploader struct{}

func (stubUploader) Upload(_ context.Context, _ []byte, _ string) (string, error) {
	return "https://cdn.example.com/t.png", nil
}

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	store := newMemStore()
	cfg := config.Config{DefaultTokensMax: 10, CooldownDuration: 15 * time.Second}
	log := slog.Default()

	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	users := service.NewUserService(cfg, store)
	tokens := service.NewTokenService(cfg, log, store)
	generations := service.NewGenerationService(log, genStore{store})
	placements := service.NewPlacementService(log, store, placementStore{store}, genReader{store})
	pipeline := service.NewPipeline(log, generations, stubProducer{}, stubUploader{})

	return NewServer(":0", testAdminUser, testAdminPass, log, verifier, users, tokens, generations, placements, pipeline), store
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rec))
}

func TestMeCreatesLedgerOnFirstAuthentication(t *testing.T) {
	srv, store := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/me", bearerToken(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state service.TokenState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 10, state.TokensCurrent)
	assert.Equal(t, 10, state.TokensMax)

	u, err := store.FindByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.NotNil(t, u)
}

func TestCreateGenerationChargesTokens(t *testing.T) {
	srv, store := newTestServer(t)
	token := bearerToken(t, "user-1")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/generations", token, map[string]any{
		"prompt": "a fox on a bicycle",
		"model":  "nano-banana-pro",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Generation struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			TokenCost int    `json:"token_cost"`
		} `json:"generation"`
		Tokens service.TokenState `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "queued", body.Generation.Status)
	assert.Equal(t, 3, body.Generation.TokenCost)
	assert.Equal(t, 7, body.Tokens.TokensCurrent)

	u, err := store.FindByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, u.TokensCurrent)
	assert.NotNil(t, u.CooldownUntil)
}

func TestCreateGenerationDuringCooldown(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerToken(t, "user-1")
	body := map[string]any{"prompt": "a fox", "model": "flux-2"}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/generations", token, body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/generations", token, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "COOLDOWN_ACTIVE", errorCode(t, rec))
}

func TestCreateGenerationInsufficientTokens(t *testing.T) {
	srv, store := newTestServer(t)
	token := bearerToken(t, "user-1")

	// Authenticate once to create the ledger, then drain it.
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	store.mu.Lock()
	store.users["user-1"].TokensCurrent = 0
	store.mu.Unlock()

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/generations", token, map[string]any{
		"prompt": "a fox",
		"model":  "flux-2",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "INSUFFICIENT_TOKENS", errorCode(t, rec))
}

func TestCreateGenerationUnknownModel(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/generations", bearerToken(t, "user-1"), map[string]any{
		"prompt": "a fox",
		"model":  "dall-e-9000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_MODEL", errorCode(t, rec))
}

func approvedGen(store *memStore, id, userID string) {
	url := "https://cdn.example.com/tiles/" + id + ".png"
	store.mu.Lock()
	defer store.mu.Unlock()
	store.gens[id] = &models.Generation{
		ID:       id,
		UserID:   userID,
		Status:   models.StatusApproved,
		ImageURL: &url,
	}
}

func TestPlaceRequiresCoordinates(t *testing.T) {
	srv, store := newTestServer(t)
	approvedGen(store, "g1", "user-1")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/placements", bearerToken(t, "user-1"), map[string]any{
		"generation_id": "g1",
		"z":             5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
}

func TestPlaceHappyPath(t *testing.T) {
	srv, store := newTestServer(t)
	approvedGen(store, "g1", "user-1")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/placements", bearerToken(t, "user-1"), map[string]any{
		"generation_id": "g1",
		"z":             5, "x": 10, "y": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Placement struct {
			ID string `json:"id"`
		} `json:"placement"`
		Slot struct {
			Version            int64   `json:"version"`
			CurrentPlacementID *string `json:"current_placement_id"`
		} `json:"slot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Slot.Version)
	require.NotNil(t, body.Slot.CurrentPlacementID)
	assert.Equal(t, body.Placement.ID, *body.Slot.CurrentPlacementID)
}

func TestPlaceRejectsUnapproved(t *testing.T) {
	srv, store := newTestServer(t)
	store.mu.Lock()
	store.gens["g1"] = &models.Generation{ID: "g1", UserID: "user-1", Status: models.StatusQueued}
	store.mu.Unlock()

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/placements", bearerToken(t, "user-1"), map[string]any{
		"generation_id": "g1",
		"z":             0, "x": 0, "y": 0,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "GENERATION_NOT_APPROVED", errorCode(t, rec))
}

func TestPlaceForeignGeneration(t *testing.T) {
	srv, store := newTestServer(t)
	approvedGen(store, "g1", "someone-else")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/placements", bearerToken(t, "user-1"), map[string]any{
		"generation_id": "g1",
		"z":             0, "x": 0, "y": 0,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "GENERATION_NOT_OWNED", errorCode(t, rec))
}

func TestGetSlotLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	approvedGen(store, "g1", "user-1")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/slots?z=5&x=10&y=10", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/placements", bearerToken(t, "user-1"), map[string]any{
		"generation_id": "g1",
		"z":             5, "x": 10, "y": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/slots?z=5&x=10&y=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Slot struct {
			Version int64 `json:"version"`
		} `json:"slot"`
		Placement struct {
			GenerationID string `json:"generation_id"`
		} `json:"placement"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Slot.Version)
	assert.Equal(t, "g1", body.Placement.GenerationID)
}

func TestGetGenerationHidesForeignRows(t *testing.T) {
	srv, store := newTestServer(t)
	approvedGen(store, "g1", "someone-else")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/generations/g1", bearerToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRequiresBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/users/user-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminGrantTopsUpBalance(t *testing.T) {
	srv, store := newTestServer(t)
	store.mu.Lock()
	store.users["user-1"] = &models.User{ID: "user-1", TokensCurrent: 2, TokensMax: 10}
	store.mu.Unlock()

	raw, err := json.Marshal(map[string]any{"amount": 99})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/users/user-1/grant", bytes.NewReader(raw))
	req.SetBasicAuth(testAdminUser, testAdminPass)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		TokensCurrent int `json:"tokens_current"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.TokensCurrent, "grant never exceeds tokens_max")
}

func TestAdminGrantAtCapSucceeds(t *testing.T) {
	srv, store := newTestServer(t)
	store.mu.Lock()
	store.users["user-1"] = &models.User{ID: "user-1", TokensCurrent: 10, TokensMax: 10}
	store.mu.Unlock()

	raw, err := json.Marshal(map[string]any{"amount": 5})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/users/user-1/grant", bytes.NewReader(raw))
	req.SetBasicAuth(testAdminUser, testAdminPass)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "grant at cap is a no-op, not an error")
	var body struct {
		TokensCurrent int `json:"tokens_current"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.TokensCurrent)
}
