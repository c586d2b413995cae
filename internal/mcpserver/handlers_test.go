package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewMosyneClient(Config{APIURL: ts.URL})
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"pattern_not_found","message":"No pattern registered under that hash"}`))
	}))
	defer ts.Close()

	client := NewMosyneClient(Config{APIURL: ts.URL})
	_, err := client.GetStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No pattern registered")
	assert.Contains(t, err.Error(), "404")
}

func TestClient_EvaluatePostsJSON(t *testing.T) {
	var gotPath, gotMethod, gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewMosyneClient(Config{APIURL: ts.URL})
	_, err := client.EvaluateTransaction(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "/v1/transactions/evaluate", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckAddress(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallets/0xbad/risk", r.URL.Path)
		_, _ = w.Write([]byte(`{"address":"0xbad","riskScore":85,"riskLevel":"high","known":true}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckAddress(context.Background(), makeRequest(map[string]any{
		"address": "0xbad",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "85/100")
	assert.Contains(t, text, "high")
	assert.Contains(t, text, "risk data available")
}

func TestHandleCheckAddress_Unknown(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address":"0xnew","riskScore":0,"riskLevel":"low","known":false}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckAddress(context.Background(), makeRequest(map[string]any{
		"address": "0xnew",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "never observed")
	assert.Contains(t, text, "not safety")
}

func TestHandleCheckAddress_MissingArg(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API should not be called without an address")
	}))
	defer cleanup()

	result, err := h.HandleCheckAddress(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleEvaluateTransaction(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"targetAddress": "0xdrainer",
			"riskScore": 92,
			"riskLevel": "high",
			"known": true,
			"recommendation": "High risk transaction. Consider canceling.",
			"matchedPatterns": [
				{"name": "approval-drain", "severity": 92, "category": "drain", "lastSeen": "2026-08-30T10:00:00Z"}
			]
		}`))
	}))
	defer cleanup()

	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"target_address": "0xdrainer",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "92/100")
	assert.Contains(t, text, "Consider canceling")
	assert.Contains(t, text, "approval-drain")
	assert.Contains(t, text, "[drain]")
}

func TestHandleEvaluateTransaction_CleanAddress(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"targetAddress": "0xclean",
			"riskScore": 10,
			"riskLevel": "low",
			"known": true,
			"recommendation": "Low risk transaction.",
			"matchedPatterns": []
		}`))
	}))
	defer cleanup()

	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"target_address": "0xclean",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "No pattern matches")
}

func TestHandleEvaluateTransaction_APIDown(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"circuit_open","message":"Query backend is unavailable, try again shortly"}`))
	}))
	defer cleanup()

	result, err := h.HandleEvaluateTransaction(context.Background(), makeRequest(map[string]any{
		"target_address": "0xabc",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unavailable")
}

func TestHandleListPermissions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallets/0xuser/permissions", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"user": "0xuser",
			"count": 2,
			"permissions": [
				{"target": "0xrouter", "permissionType": "APPROVE", "grantedAt": "2026-08-01T00:00:00Z", "expiresAt": "2026-12-01T00:00:00Z"},
				{"target": "0xbridge", "permissionType": "SET_APPROVAL", "grantedAt": "2026-07-01T00:00:00Z"}
			]
		}`))
	}))
	defer cleanup()

	result, err := h.HandleListPermissions(context.Background(), makeRequest(map[string]any{
		"user_address": "0xuser",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 active grant(s)")
	assert.Contains(t, text, "APPROVE to 0xrouter")
	assert.Contains(t, text, "expires 2026-12-01")
	assert.Contains(t, text, "SET_APPROVAL to 0xbridge")
	assert.Contains(t, text, "no expiry")
}

func TestHandleListPermissions_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":"0xuser","count":0,"permissions":[]}`))
	}))
	defer cleanup()

	result, err := h.HandleListPermissions(context.Background(), makeRequest(map[string]any{
		"user_address": "0xuser",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "no active permission grants")
}

func TestHandleGetWalletPatterns(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"address": "0xbad",
			"patterns": [
				{"name": "flash-governance", "severity": 55, "category": "governance"}
			]
		}`))
	}))
	defer cleanup()

	result, err := h.HandleGetWalletPatterns(context.Background(), makeRequest(map[string]any{
		"address": "0xbad",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "matched 1 pattern(s)")
	assert.Contains(t, text, "flash-governance")
	assert.Contains(t, text, "severity 55")
}

func TestHandleGetMemoryStats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"totalPatterns": 12,
			"activePatterns": 10,
			"patternsByCategory": {"drain": 4, "exploit": 6},
			"totalOccurrences": 321,
			"highRiskWallets": 7,
			"activePermissions": 42
		}`))
	}))
	defer cleanup()

	result, err := h.HandleGetMemoryStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "12 total, 10 active")
	assert.Contains(t, text, "Occurrences: 321")
	assert.Contains(t, text, "High-risk wallets: 7")
}
