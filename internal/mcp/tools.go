package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/spanledger/internal/bootstrap"
	"github.com/ashita-ai/spanledger/internal/model"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("ledger_boot",
			mcplib.WithDescription(`Boot a function span from the ledger and run it.

The function must be in the current manifest's allowlist and its hash and
signature must verify. Every attempt that reaches the allowlist check is
recorded as a boot_event span, including denials and failures.

WHAT YOU GET BACK:
- state: DONE on success, FAILED otherwise
- trace: the states the attempt passed through
- boot_event_id: the span recording this attempt
- value: whatever the function returned`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("function_id",
				mcplib.Description("Id of the function span to boot"),
				mcplib.Required(),
			),
			mcplib.WithObject("event",
				mcplib.Description("Opaque input passed to the function"),
			),
		),
		s.handleBoot,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ledger_ingest",
			mcplib.WithDescription(`Append one span to the ledger.

entity_type, who and this are required. id and at default to a fresh id and
the current time; owner, tenant and visibility default to the session. The
span is signed when the server holds a signing key. Existing rows are never
changed: send the same id with a higher seq to record a correction.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithObject("span",
				mcplib.Description("The span as a JSON object"),
				mcplib.Required(),
			),
		),
		s.handleIngest,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ledger_timeline",
			mcplib.WithDescription("Read visible spans newest first, with optional filters."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("entity_type", mcplib.Description("Only spans of this entity type")),
			mcplib.WithString("owner_id", mcplib.Description("Only spans owned by this user")),
			mcplib.WithString("tenant_id", mcplib.Description("Only spans of this tenant")),
			mcplib.WithString("since", mcplib.Description("RFC 3339 lower bound on at, inclusive")),
			mcplib.WithString("until", mcplib.Description("RFC 3339 upper bound on at, inclusive")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum spans to return (default 100, max 1000)")),
		),
		s.handleTimeline,
	)
}

func (s *Server) handleBoot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	functionID := request.GetString("function_id", "")
	if functionID == "" {
		return errorResult("function_id is required"), nil
	}
	event, err := objectArg(request, "event")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	res, bootErr := s.loader.Boot(ctx, bootstrap.Request{FunctionID: functionID, Event: event})
	if bootErr != nil {
		s.logger.Info("mcp: boot failed", "function_id", functionID, "error", bootErr)
		data, _ := json.Marshal(map[string]any{
			"error":         bootErr.Error(),
			"kind":          model.KindOf(bootErr),
			"state":         res.State,
			"trace":         res.Trace,
			"boot_event_id": res.BootEventID,
		})
		r := textResult(data)
		r.IsError = true
		return r, nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return errorResult(fmt.Sprintf("function returned a value that is not JSON-encodable: %v", err)), nil
	}
	return textResult(data), nil
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw, err := objectArg(request, "span")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if raw == nil {
		return errorResult("span is required"), nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("span: %v", err)), nil
	}
	var span model.Span
	if err := json.Unmarshal(b, &span); err != nil {
		return errorResult(fmt.Sprintf("span is not a valid span object: %v", err)), nil
	}

	out, err := s.ledger.Ingest(ctx, span)
	if err != nil {
		return errorResult(fmt.Sprintf("ingest failed: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]any{
		"id":        out.ID,
		"seq":       out.Seq,
		"curr_hash": out.CurrHash,
		"signed":    out.Signed(),
		"status":    "recorded",
	})
	return textResult(data), nil
}

func (s *Server) handleTimeline(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.TimelineRequest{
		EntityType: request.GetString("entity_type", ""),
		OwnerID:    request.GetString("owner_id", ""),
		TenantID:   request.GetString("tenant_id", ""),
		Limit:      request.GetInt("limit", 0),
	}
	var err error
	if req.Since, err = timeArg(request, "since"); err != nil {
		return errorResult(err.Error()), nil
	}
	if req.Until, err = timeArg(request, "until"); err != nil {
		return errorResult(err.Error()), nil
	}

	page, err := s.ledger.Timeline(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("timeline failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(page, "", "  ")
	return textResult(data), nil
}

// objectArg returns an argument that should be a JSON value. Clients that
// can only send strings may pass the JSON text instead.
func objectArg(request mcplib.CallToolRequest, name string) (any, error) {
	v, ok := request.GetArguments()[name]
	if !ok || v == nil {
		return nil, nil
	}
	text, isString := v.(string)
	if !isString {
		return v, nil
	}
	if text == "" {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, fmt.Errorf("%s is not valid JSON: %v", name, err)
	}
	return decoded, nil
}

func timeArg(request mcplib.CallToolRequest, name string) (*time.Time, error) {
	v := request.GetString(name, "")
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp: %v", name, err)
	}
	return &t, nil
}
