package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smartjects/platform/internal/chain"
	"github.com/smartjects/platform/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		RPCURL:             "http://localhost:8545",
		ChainID:            1337,
		ConfirmationBudget: time.Second,
		ReconcileInterval:  time.Minute,
	}
}

// newTestServer creates a server backed by the in-memory store and sim chain
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithChainClient(chain.NewSim()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestContractRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	contractRoutes := map[string]bool{
		"POST:/v1/contracts":                          false,
		"GET:/v1/contracts/:id":                       false,
		"GET:/v1/contracts/:id/status":                false,
		"POST:/v1/contracts/:id/sign":                 false,
		"POST:/v1/contracts/:id/retry-deployment":     false,
		"POST:/v1/contracts/:id/submit-review":        false,
		"POST:/v1/contracts/:id/review-completion":    false,
		"POST:/v1/contracts/:id/cancel":               false,
		"POST:/v1/contracts/:id/dispute":              false,
		"POST:/v1/contracts/:id/withdraw":             false,
		"GET:/v1/parties/:id/contracts":               false,
		"POST:/v1/contracts/:id/milestones/:milestoneId/submit": false,
		"POST:/v1/contracts/:id/milestones/:milestoneId/review": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := contractRoutes[key]; ok {
			contractRoutes[key] = true
		}
	}

	for route, found := range contractRoutes {
		if !found {
			t.Errorf("Contract route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/platform",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end contract creation through the router
// ---------------------------------------------------------------------------

func TestCreateContractEndpoint(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"smartjectId": "sj_pipeline",
		"title": "Data pipeline build",
		"neederId": "user_needer",
		"providerId": "user_provider",
		"neederAddr": "0x1111111111111111111111111111111111111111",
		"providerAddr": "0x2222222222222222222222222222222222222222",
		"budget": "1000",
		"milestones": [
			{"name": "Design", "percentage": 60},
			{"name": "Implementation", "percentage": 40}
		]
	}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/contracts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Contract struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"contract"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Contract.ID == "" {
		t.Error("Expected contract id in response")
	}
	if resp.Contract.Status != "pending_signatures" {
		t.Errorf("Expected pending_signatures, got %s", resp.Contract.Status)
	}
}
