package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MosyneClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MosyneClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckAddress returns the stored risk profile for an address.
func (h *Handlers) HandleCheckAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.GetWalletRisk(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check address: %v", err)), nil
	}

	var r struct {
		Address   string `json:"address"`
		RiskScore int    `json:"riskScore"`
		RiskLevel string `json:"riskLevel"`
		Known     bool   `json:"known"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk data: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Address: %s\n", r.Address)
	fmt.Fprintf(&sb, "Risk score: %d/100 (%s)\n", r.RiskScore, r.RiskLevel)
	if r.Known {
		sb.WriteString("Status: observed on-chain, risk data available\n")
	} else {
		sb.WriteString("Status: never observed. No history means no data, not safety.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleEvaluateTransaction runs the signing-time assessment.
func (h *Handlers) HandleEvaluateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target := req.GetString("target_address", "")
	if target == "" {
		return mcp.NewToolResultError("target_address is required"), nil
	}

	raw, err := h.client.EvaluateTransaction(ctx, target)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}

	var a struct {
		TargetAddress   string `json:"targetAddress"`
		RiskScore       int    `json:"riskScore"`
		RiskLevel       string `json:"riskLevel"`
		Known           bool   `json:"known"`
		Recommendation  string `json:"recommendation"`
		MatchedPatterns []struct {
			Name     string    `json:"name"`
			Severity int       `json:"severity"`
			Category string    `json:"category"`
			LastSeen time.Time `json:"lastSeen"`
		} `json:"matchedPatterns"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Target: %s\n", a.TargetAddress)
	fmt.Fprintf(&sb, "Risk: %d/100 (%s)\n", a.RiskScore, a.RiskLevel)
	fmt.Fprintf(&sb, "Recommendation: %s\n", a.Recommendation)
	if len(a.MatchedPatterns) > 0 {
		sb.WriteString("\nMatched patterns:\n")
		for _, p := range a.MatchedPatterns {
			name := p.Name
			if name == "" {
				name = "(unnamed pattern)"
			}
			fmt.Fprintf(&sb, "- %s [%s] severity %d, last seen %s\n",
				name, p.Category, p.Severity, p.LastSeen.Format(time.RFC3339))
		}
	} else if a.Known {
		sb.WriteString("\nNo pattern matches in the recent window.\n")
	} else {
		sb.WriteString("\nAddress has never been observed; treat with normal caution.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListPermissions lists a wallet's active grants.
func (h *Handlers) HandleListPermissions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := req.GetString("user_address", "")
	if user == "" {
		return mcp.NewToolResultError("user_address is required"), nil
	}

	raw, err := h.client.ListPermissions(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list permissions: %v", err)), nil
	}

	var resp struct {
		User        string `json:"user"`
		Count       int    `json:"count"`
		Permissions []struct {
			Target    string     `json:"target"`
			Type      string     `json:"permissionType"`
			GrantedAt time.Time  `json:"grantedAt"`
			ExpiresAt *time.Time `json:"expiresAt"`
		} `json:"permissions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse permissions: %v", err)), nil
	}

	if resp.Count == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no active permission grants.", user)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s has %d active grant(s):\n\n", resp.User, resp.Count)
	for _, p := range resp.Permissions {
		fmt.Fprintf(&sb, "- %s to %s, granted %s", p.Type, p.Target, p.GrantedAt.Format(time.RFC3339))
		if p.ExpiresAt != nil {
			fmt.Fprintf(&sb, ", expires %s", p.ExpiresAt.Format(time.RFC3339))
		} else {
			sb.WriteString(", no expiry")
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetWalletPatterns lists the patterns an address has matched.
func (h *Handlers) HandleGetWalletPatterns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.GetWalletPatterns(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get patterns: %v", err)), nil
	}

	var resp struct {
		Address  string `json:"address"`
		Patterns []struct {
			Name     string `json:"name"`
			Severity int    `json:"severity"`
			Category string `json:"category"`
		} `json:"patterns"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse patterns: %v", err)), nil
	}

	if len(resp.Patterns) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no recent pattern matches.", address)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s matched %d pattern(s) recently:\n\n", resp.Address, len(resp.Patterns))
	for _, p := range resp.Patterns {
		name := p.Name
		if name == "" {
			name = "(unnamed pattern)"
		}
		fmt.Fprintf(&sb, "- %s [%s] severity %d\n", name, p.Category, p.Severity)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetMemoryStats reports memory-wide statistics.
func (h *Handlers) HandleGetMemoryStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	var s struct {
		TotalPatterns      int64            `json:"totalPatterns"`
		ActivePatterns     int64            `json:"activePatterns"`
		PatternsByCategory map[string]int64 `json:"patternsByCategory"`
		TotalOccurrences   int64            `json:"totalOccurrences"`
		HighRiskWallets    int64            `json:"highRiskWallets"`
		ActivePermissions  int64            `json:"activePermissions"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Patterns: %d total, %d active\n", s.TotalPatterns, s.ActivePatterns)
	for cat, n := range s.PatternsByCategory {
		fmt.Fprintf(&sb, "  %s: %d\n", cat, n)
	}
	fmt.Fprintf(&sb, "Occurrences: %d\n", s.TotalOccurrences)
	fmt.Fprintf(&sb, "High-risk wallets: %d\n", s.HighRiskWallets)
	fmt.Fprintf(&sb, "Active permissions: %d\n", s.ActivePermissions)
	return mcp.NewToolResultText(sb.String()), nil
}
