package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mosyne/mosyne/internal/memory"
	"github.com/mosyne/mosyne/internal/resilient"
)

const (
	testHash   = "0x1111111111111111111111111111111111111111111111111111111111111111"
	otherHash  = "0x2222222222222222222222222222222222222222222222222222222222222222"
	ghostHash  = "0x3333333333333333333333333333333333333333333333333333333333333333"
	testWallet = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	cleanAddr  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func testRouter(t *testing.T, client *resilient.Client) (*gin.Engine, *memory.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewMemoryStore()
	h := NewHandler(store, client)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	return r, store
}

func testClient() *resilient.Client {
	cfg := resilient.DefaultConfig()
	cfg.MaxAttempts = 1
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return resilient.NewClient(cfg, nil, logger)
}

func seedMemory(t *testing.T, store *memory.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.RegisterPattern(ctx, &memory.Pattern{
		PatternHash: testHash,
		Name:        "approval-drain",
		Severity:    90,
		Category:    memory.CategoryDrain,
		FirstSeen:   now.Add(-time.Hour),
		LastSeen:    now.Add(-time.Hour),
		IsActive:    true,
	}); err != nil {
		t.Fatalf("RegisterPattern: %v", err)
	}
	if err := store.RegisterPattern(ctx, &memory.Pattern{
		PatternHash: otherHash,
		Name:        "flash-governance",
		Severity:    55,
		Category:    memory.CategoryGovernance,
		FirstSeen:   now.Add(-time.Hour),
		LastSeen:    now.Add(-time.Hour),
		IsActive:    true,
	}); err != nil {
		t.Fatalf("RegisterPattern: %v", err)
	}

	if err := store.RecordOccurrence(ctx, &memory.Occurrence{
		PatternHash:     testHash,
		TxRef:           "0xdead",
		LogIndex:        0,
		DetectedAddress: testWallet,
		BlockNumber:     100,
		Severity:        90,
		Timestamp:       now.Add(-30 * time.Minute),
	}); err != nil {
		t.Fatalf("RecordOccurrence: %v", err)
	}

	score := 45
	if err := store.UpsertWalletRisk(ctx, memory.WalletRiskUpdate{
		Address:   testWallet,
		RiskScore: &score,
		Timestamp: now.Add(-20 * time.Minute),
	}); err != nil {
		t.Fatalf("UpsertWalletRisk: %v", err)
	}

	if err := store.GrantPermission(ctx, &memory.Permission{
		PermissionHash: "0xperm1",
		User:           testWallet,
		Target:         cleanAddr,
		Type:           memory.PermissionApprove,
		IsActive:       true,
		GrantedAt:      now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
}

func doRequest(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
	return out
}

func TestGetWalletRisk(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/wallets/"+testWallet+"/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["riskScore"].(float64) != 45 {
		t.Errorf("riskScore = %v, want 45", body["riskScore"])
	}
	if body["riskLevel"] != "medium" {
		t.Errorf("riskLevel = %v, want medium", body["riskLevel"])
	}
	if body["known"] != true {
		t.Error("expected known=true")
	}
}

func TestGetWalletRisk_UnknownAddress(t *testing.T) {
	r, _ := testRouter(t, nil)

	w := doRequest(r, "GET", "/v1/wallets/"+cleanAddr+"/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["known"] != false {
		t.Error("never-seen address must report known=false")
	}
	if body["riskScore"].(float64) != 0 {
		t.Errorf("riskScore = %v, want 0", body["riskScore"])
	}
}

func TestGetWalletRisk_InvalidAddress(t *testing.T) {
	r, _ := testRouter(t, nil)

	w := doRequest(r, "GET", "/v1/wallets/not-an-address/risk", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetWalletRisk_CachedOnSecondRead(t *testing.T) {
	r, store := testRouter(t, testClient())
	seedMemory(t, store)

	first := doRequest(r, "GET", "/v1/wallets/"+testWallet+"/risk", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}
	if first.Header().Get("X-Cache") != "" {
		t.Error("first read must not be a cache hit")
	}

	second := doRequest(r, "GET", "/v1/wallets/"+testWallet+"/risk", nil)
	if second.Code != http.StatusOK {
		t.Fatalf("status = %d", second.Code)
	}
	if second.Header().Get("X-Cache") != "hit" {
		t.Error("second read should be served from cache")
	}
}

func TestEvaluateTransaction(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "POST", "/v1/transactions/evaluate", map[string]string{
		"targetAddress": testWallet,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)

	// Stored score is 45 but the recent occurrence carries severity 90;
	// max wins.
	if body["riskScore"].(float64) != 90 {
		t.Errorf("riskScore = %v, want 90", body["riskScore"])
	}
	if body["riskLevel"] != "high" {
		t.Errorf("riskLevel = %v, want high", body["riskLevel"])
	}
	if !strings.Contains(body["recommendation"].(string), "High risk") {
		t.Errorf("recommendation = %v", body["recommendation"])
	}
	matched := body["matchedPatterns"].([]interface{})
	if len(matched) != 1 {
		t.Fatalf("matchedPatterns = %d, want 1", len(matched))
	}
}

func TestEvaluateTransaction_BadBody(t *testing.T) {
	r, _ := testRouter(t, nil)

	w := doRequest(r, "POST", "/v1/transactions/evaluate", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = doRequest(r, "POST", "/v1/transactions/evaluate", map[string]string{
		"targetAddress": "nope",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListPermissions(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/wallets/"+testWallet+"/permissions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestGetWalletPatterns_LimitNarrowsWindow(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	// A second, newer occurrence so a limit of 1 keeps only it.
	if err := store.RecordOccurrence(context.Background(), &memory.Occurrence{
		PatternHash:     otherHash,
		TxRef:           "0xbeef",
		LogIndex:        0,
		DetectedAddress: testWallet,
		BlockNumber:     101,
		Severity:        55,
		Timestamp:       time.Now().UTC().Add(-5 * time.Minute),
	}); err != nil {
		t.Fatalf("RecordOccurrence: %v", err)
	}

	w := doRequest(r, "GET", "/v1/wallets/"+testWallet+"/patterns", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if got := len(body["patterns"].([]interface{})); got != 2 {
		t.Fatalf("default window patterns = %d, want 2", got)
	}

	w = doRequest(r, "GET", "/v1/wallets/"+testWallet+"/patterns?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body = decode(t, w)
	patterns := body["patterns"].([]interface{})
	if len(patterns) != 1 {
		t.Fatalf("limit=1 patterns = %d, want 1", len(patterns))
	}
	newest := patterns[0].(map[string]interface{})
	if newest["patternHash"] != otherHash {
		t.Errorf("limit=1 must keep the newest match, got %v", newest["patternHash"])
	}

	w = doRequest(r, "GET", "/v1/wallets/"+testWallet+"/patterns?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for non-numeric limit", w.Code)
	}
}

func TestGetBehavioralSequence(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/wallets/"+testWallet+"/sequence", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	seq := body["sequence"].([]interface{})

	// One occurrence and one risk snapshot, occurrence first (it is older).
	if len(seq) != 2 {
		t.Fatalf("sequence length = %d, want 2", len(seq))
	}
	first := seq[0].(map[string]interface{})
	if first["kind"] != "occurrence" {
		t.Errorf("first entry kind = %v, want occurrence", first["kind"])
	}
}

func TestGetBehavioralSequence_BadRange(t *testing.T) {
	r, _ := testRouter(t, nil)

	w := doRequest(r, "GET", "/v1/wallets/"+testWallet+"/sequence?from=garbage", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = doRequest(r, "GET", "/v1/wallets/"+testWallet+"/sequence?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for inverted range", w.Code)
	}
}

func TestListPatterns(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/patterns", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestGetPattern(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/patterns/"+testHash, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["name"] != "approval-drain" {
		t.Errorf("name = %v", body["name"])
	}
}

func TestGetPattern_NotFound(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/patterns/"+ghostHash, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetPattern_InvalidHash(t *testing.T) {
	r, _ := testRouter(t, nil)

	w := doRequest(r, "GET", "/v1/patterns/0x1234", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetPattern_NotFoundDoesNotTripBreaker(t *testing.T) {
	r, store := testRouter(t, testClient())
	seedMemory(t, store)

	// Default threshold is 5; hammer the missing pattern well past it.
	for i := 0; i < 10; i++ {
		w := doRequest(r, "GET", "/v1/patterns/"+ghostHash, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("request %d: status = %d, want 404", i, w.Code)
		}
	}

	// A valid read must still reach the store rather than hit an open
	// circuit.
	w := doRequest(r, "GET", "/v1/patterns/"+testHash, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after repeated 404s", w.Code)
	}
}

func TestGetPatternCorrelation(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/patterns/"+testHash+"/correlation", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestGetPatternEvolution_BadParams(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/patterns/"+testHash+"/evolution?window=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	w = doRequest(r, "GET", "/v1/patterns/"+testHash+"/evolution?buckets=-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetStats(t *testing.T) {
	r, store := testRouter(t, nil)
	seedMemory(t, store)

	w := doRequest(r, "GET", "/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["totalPatterns"].(float64) != 2 {
		t.Errorf("totalPatterns = %v, want 2", body["totalPatterns"])
	}
	if body["totalOccurrences"].(float64) != 1 {
		t.Errorf("totalOccurrences = %v, want 1", body["totalOccurrences"])
	}
}

func TestGetStatus(t *testing.T) {
	r, _ := testRouter(t, testClient())

	w := doRequest(r, "GET", "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if _, ok := body["cache"]; !ok {
		t.Error("status response missing cache stats")
	}
	if _, ok := body["bucket"]; !ok {
		t.Error("status response missing bucket stats")
	}
}
