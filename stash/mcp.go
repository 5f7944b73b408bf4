package stash

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ghstash/kit"
)

// RegisterMCP registers the ghstash tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerRunTool(srv)
	s.registerListTablesTool(srv)
	s.registerTableStatsTool(srv)
	s.registerRunHistoryTool(srv)
	s.registerDropTableTool(srv)
	s.registerRateLimitTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func (s *Service) endpoint(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(
		kit.Recovery(s.logger),
		kit.Logging(s.logger, name),
	)(e)
}

// toolError keeps the error kind visible to the MCP client.
func toolError(err error) error {
	return errors.New(Describe(err))
}

// --- run ---

func (s *Service) registerRunTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ghstash_run",
		Description: "Search GitHub repositories and store one result page in a new timestamped table. Returns the run ID, table name and record count.",
		InputSchema: inputSchema(map[string]any{
			"query":    map[string]any{"type": "string", "description": "GitHub search expression, e.g. 'language:go stars:>100'"},
			"per_page": map[string]any{"type": "integer", "description": "Results per page (1-100, default from config)"},
			"page":     map[string]any{"type": "integer", "description": "Page number, starting at 1 (default 1 when omitted)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*runArgs)
		res, err := s.Run(ctx, r.request())
		if err != nil {
			return nil, toolError(err)
		}
		return res, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[runArgs])
}

// --- list tables ---

func (s *Service) registerListTablesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ghstash_list_tables",
		Description: "List the run tables, newest first.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		tables, err := s.Tables(ctx)
		if err != nil {
			return nil, toolError(err)
		}
		if tables == nil {
			tables = []TableInfo{}
		}
		return tables, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[struct{}])
}

// --- table stats ---

type tableReq struct {
	Table string `json:"table"`
}

func (s *Service) registerTableStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ghstash_table_stats",
		Description: "Summarise a run table: record count, distinct languages and owners, star and fork figures, creation date range.",
		InputSchema: inputSchema(map[string]any{
			"table": map[string]any{"type": "string", "description": "Run table name, e.g. repos_20240115103000"},
		}, []string{"table"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*tableReq)
		stats, err := s.TableStats(ctx, r.Table)
		if err != nil {
			return nil, toolError(err)
		}
		return stats, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[tableReq])
}

// --- run history ---

type historyReq struct {
	Limit       int  `json:"limit"`
	SuccessOnly bool `json:"success_only"`
}

func (s *Service) registerRunHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ghstash_run_history",
		Description: "Return the latest runs from the audit table, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit":        map[string]any{"type": "integer", "description": "Maximum rows (default 20)"},
			"success_only": map[string]any{"type": "boolean", "description": "Only successful runs"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyReq)
		runs, err := s.History(ctx, r.Limit, r.SuccessOnly)
		if err != nil {
			return nil, toolError(err)
		}
		if runs == nil {
			runs = []*RunMetadata{}
		}
		return runs, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[historyReq])
}

// --- drop table ---

func (s *Service) registerDropTableTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ghstash_drop_table",
		Description: "Drop a run table. Only names matching the run table pattern are accepted; audit rows are kept.",
		InputSchema: inputSchema(map[string]any{
			"table": map[string]any{"type": "string", "description": "Run table name"},
		}, []string{"table"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*tableReq)
		if err := s.DropTable(ctx, r.Table); err != nil {
			return nil, toolError(err)
		}
		return map[string]string{"status": "dropped", "table": r.Table}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[tableReq])
}

// --- rate limit ---

func (s *Service) registerRateLimitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ghstash_rate_limit",
		Description: "Return the current GitHub search quota.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		rl, err := s.RateLimit(ctx)
		if err != nil {
			return nil, toolError(err)
		}
		return rl, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[struct{}])
}
