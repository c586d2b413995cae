package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Mosyne MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckAddress = mcp.NewTool("check_address",
	mcp.WithDescription(
		"Check the risk profile of an Ethereum address before interacting with it. "+
			"Returns the stored risk score (0-100), the risk level (low/medium/high), "+
			"and whether the address has ever been observed. An unknown address is NOT "+
			"verified safe, it simply has no history yet."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The address to check (e.g. '0x1234...')")),
)

var ToolEvaluateTransaction = mcp.NewTool("evaluate_transaction",
	mcp.WithDescription(
		"Run the full signing-time risk assessment for a transaction target. "+
			"Combines the target's stored risk score with the severity of behavioral "+
			"patterns it recently matched and returns a recommendation. "+
			"Use this right before signing or submitting a transaction."),
	mcp.WithString("target_address",
		mcp.Required(),
		mcp.Description("The address the transaction would interact with (e.g. '0x1234...')")),
)

var ToolListPermissions = mcp.NewTool("list_permissions",
	mcp.WithDescription(
		"List a wallet's active token approvals and permission grants. "+
			"Shows who can move the wallet's funds, the grant type "+
			"(APPROVE/PERMIT/SET_APPROVAL), and expiry. Use this to audit exposure "+
			"before recommending a revoke."),
	mcp.WithString("user_address",
		mcp.Required(),
		mcp.Description("The wallet whose grants to list (e.g. '0x1234...')")),
)

var ToolGetWalletPatterns = mcp.NewTool("get_wallet_patterns",
	mcp.WithDescription(
		"List the behavioral threat patterns an address has recently matched, "+
			"with severity and category (exploit, rug_pull, drain, governance). "+
			"Use this to explain WHY an address is risky."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The address to inspect (e.g. '0x1234...')")),
)

var ToolGetMemoryStats = mcp.NewTool("get_memory_stats",
	mcp.WithDescription(
		"Get statistics over the whole behavioral memory: total and active "+
			"patterns, patterns per category, total occurrences, and the number of "+
			"high-risk wallets currently tracked."),
)
