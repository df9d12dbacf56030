package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/25x8/reclamations/internal/reclamations/events"
	"github.com/25x8/reclamations/internal/reclamations/loyalty"
	"github.com/25x8/reclamations/internal/reclamations/middleware"
	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/25x8/reclamations/internal/reclamations/photos"
	"github.com/25x8/reclamations/internal/reclamations/repository"
	"github.com/25x8/reclamations/internal/reclamations/service"
	"github.com/25x8/reclamations/internal/reclamations/triage"
)

const testSecret = "test-secret"

type testAPI struct {
	repo      *repository.MemoryRepository
	validator *service.Validator
	server    *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	repo := repository.NewMemoryRepository()
	policy := triage.DefaultPolicy()
	ledger := loyalty.NewLedger(repo, loyalty.DefaultRules())
	validator := service.NewValidator(
		repo,
		&triage.ImageAnalyzer{Resolver: photos.NewDirResolver(t.TempDir()), Policy: policy},
		&triage.TextAnalyzer{Policy: policy},
		policy,
		ledger,
		events.LogPublisher{},
	)

	h := NewHandler(repo, validator, ledger, testSecret)
	srv := httptest.NewServer(NewRouter(h, &middleware.JWTConfig{SecretKey: testSecret, Repo: repo}))
	t.Cleanup(srv.Close)
	return &testAPI{repo: repo, validator: validator, server: srv}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testAPI) register(t *testing.T, login, email, role string) string {
	t.Helper()
	resp := a.do(t, http.MethodPost, "/api/user/register", "", map[string]string{
		"login": login, "password": "pw", "email": email, "role": role,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: status %d", login, resp.StatusCode)
	}
	auth := resp.Header.Get("Authorization")
	if len(auth) <= len("Bearer ") {
		t.Fatalf("register %s: no token", login)
	}
	return auth[len("Bearer "):]
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestRegisterAndLogin(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "alice", "alice@example.com", "")

	tests := []struct {
		name   string
		path   string
		body   map[string]string
		status int
	}{
		{"duplicate login", "/api/user/register", map[string]string{"login": "alice", "password": "x"}, http.StatusConflict},
		{"missing password", "/api/user/register", map[string]string{"login": "bob"}, http.StatusBadRequest},
		{"unknown role", "/api/user/register", map[string]string{"login": "bob", "password": "x", "role": "admin"}, http.StatusBadRequest},
		{"login ok", "/api/user/login", map[string]string{"login": "alice", "password": "pw"}, http.StatusOK},
		{"wrong password", "/api/user/login", map[string]string{"login": "alice", "password": "nope"}, http.StatusUnauthorized},
		{"unknown login", "/api/user/login", map[string]string{"login": "carol", "password": "pw"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.do(t, http.MethodPost, tt.path, "", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestReclamationLifecycle(t *testing.T) {
	api := newTestAPI(t)
	customer := api.register(t, "alice", "alice@example.com", models.RoleCustomer)
	resto := api.register(t, "chez-paul", "paul@resto.fr", models.RoleRestaurant)
	stranger := api.register(t, "mallory", "", models.RoleCustomer)

	if resp := api.do(t, http.MethodGet, "/api/reclamations/mine", customer, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("empty list status = %d, want 204", resp.StatusCode)
	}

	resp := api.do(t, http.MethodPost, "/api/reclamations", customer, map[string]any{
		"description": "no order ref",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid intake status = %d, want 400", resp.StatusCode)
	}

	resp = api.do(t, http.MethodPost, "/api/reclamations", customer, map[string]any{
		"description":     "The soup was cold and the bread was missing",
		"orderRef":        "order-42",
		"complaintType":   "quality",
		"restaurantEmail": "paul@resto.fr",
		"photos":          []string{"/uploads/soup.jpg"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202", resp.StatusCode)
	}
	created := decode[models.Reclamation](t, resp)
	if created.Status != models.StatusPending || created.AIProcessed || created.ClientName != "alice" {
		t.Errorf("created = %+v", created)
	}

	if err := api.validator.RunPipeline(context.Background(), created.ID, false); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	resp = api.do(t, http.MethodGet, "/api/reclamations/"+created.ID, customer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	processed := decode[models.Reclamation](t, resp)
	if !processed.AIProcessed || processed.AIValidation == nil {
		t.Errorf("processed = %+v", processed)
	}

	if resp := api.do(t, http.MethodGet, "/api/reclamations/"+created.ID, stranger, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("stranger status = %d, want 403", resp.StatusCode)
	}
	if resp := api.do(t, http.MethodGet, "/api/reclamations/unknown", customer, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown status = %d, want 404", resp.StatusCode)
	}
	if resp := api.do(t, http.MethodGet, "/api/reclamations/mine", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", resp.StatusCode)
	}

	resp = api.do(t, http.MethodGet, "/api/reclamations/restaurant", resto, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restaurant list status = %d", resp.StatusCode)
	}
	if list := decode[[]models.Reclamation](t, resp); len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("restaurant list = %+v", list)
	}
	if resp := api.do(t, http.MethodGet, "/api/reclamations/restaurant", customer, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("customer on restaurant list status = %d, want 403", resp.StatusCode)
	}

	resp = api.do(t, http.MethodPost, "/api/reclamations/"+created.ID+"/response", resto, map[string]string{
		"responseMessage": "We are sorry, a voucher is on its way",
		"status":          models.StatusResolved,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond status = %d", resp.StatusCode)
	}
	answered := decode[models.Reclamation](t, resp)
	if answered.Status != models.StatusResolved || answered.RespondedBy != "chez-paul" {
		t.Errorf("answered = %+v", answered)
	}

	resp = api.do(t, http.MethodPost, "/api/reclamations/"+created.ID+"/response", resto, map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty response status = %d, want 400", resp.StatusCode)
	}
}

func TestLoyaltyEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice", "", models.RoleCustomer)

	user, _ := api.repo.GetUserByLogin(context.Background(), "alice")
	_, err := api.repo.UpdateAccount(context.Background(), user.ID, "seed", func(acct *models.ClaimantAccount) models.PointsEntry {
		acct.LoyaltyPoints = 160
		return models.PointsEntry{Points: 160, Reason: "seed", ReclamationID: "seed"}
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := api.do(t, http.MethodGet, "/api/user/loyalty/balance", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status = %d", resp.StatusCode)
	}
	balance := decode[loyalty.Balance](t, resp)
	if balance.LoyaltyPoints != 160 || balance.ReliabilityScore != 100 || len(balance.History) != 1 {
		t.Errorf("balance = %+v", balance)
	}

	resp = api.do(t, http.MethodGet, "/api/user/loyalty/rewards", token, nil)
	rewards := decode[[]models.Reward](t, resp)
	if len(rewards) != 2 || rewards[0].Name != "10% discount" || rewards[1].Name != "free delivery" {
		t.Errorf("rewards = %+v", rewards)
	}
}
