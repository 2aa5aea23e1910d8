// Package mcpadapter exposes the retrieval workflows as MCP tools over stdio.
package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

const serverName = "grounded-retrieval"

type Server struct {
	svc    ports.RetrievalService
	logger *slog.Logger
	mcp    *server.MCPServer
}

func NewServer(svc ports.RetrievalService, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	s.mcp = server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.mcp.AddTool(retrieveTool(), s.handleRetrieve)
	s.mcp.AddTool(answerTool(), s.handleAnswer)
	return s
}

// ServeStdio blocks until stdin closes or the process is signalled.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func queryOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language question or search text.")),
		mcp.WithNumber("k", mcp.Description("Number of passages to return. Defaults to the server setting.")),
		mcp.WithString("collection", mcp.Description("Restrict to one collection.")),
		mcp.WithString("author", mcp.Description("Restrict to one author.")),
		mcp.WithString("source_type", mcp.Description("Restrict to one source type, e.g. book or transcript.")),
		mcp.WithString("reference", mcp.Description("Restrict to passages covering a reference, e.g. \"John 3:16-18\".")),
	}
}

func retrieveTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Hybrid vector and lexical search. Returns ranked passages with fusion and rerank details."),
	}, queryOptions()...)
	return mcp.NewTool("retrieve", opts...)
}

func answerTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Answer a question from retrieved passages. Every claim is cited; unsupported answers are withheld."),
	}, queryOptions()...)
	return mcp.NewTool("answer", opts...)
}

func rawQuery(request mcp.CallToolRequest) domain.RawQuery {
	raw := domain.RawQuery{
		Text: request.GetString("query", ""),
		K:    request.GetInt("k", 0),
	}
	for _, key := range []string{domain.FilterCollection, domain.FilterAuthor, domain.FilterSourceType, domain.FilterReference} {
		if value := request.GetString(key, ""); value != "" {
			if raw.Filters == nil {
				raw.Filters = make(map[string]string, 4)
			}
			raw.Filters[key] = value
		}
	}
	return raw
}

func (s *Server) handleRetrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rs, err := s.svc.Retrieve(ctx, rawQuery(request))
	if err != nil {
		return s.toolError("retrieve", err), nil
	}
	return jsonResult(rs)
}

type answerPayload struct {
	*domain.Answer
	TraceID string `json:"trace_id,omitempty"`
}

func (s *Server) handleAnswer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ans, err := s.svc.Answer(ctx, rawQuery(request))
	if ans == nil {
		if err == nil {
			err = errors.New("answer workflow returned no answer")
		}
		return s.toolError("answer", err), nil
	}
	if err != nil {
		s.logger.Warn("mcp_answer_rejected", "trace_id", ans.Trace.ID, "reject_reason", ans.RejectReason)
	}
	return jsonResult(answerPayload{Answer: ans, TraceID: ans.Trace.ID})
}

// toolError reports failures inside the tool result so the client model can
// read them. Internal details are only logged.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		return mcp.NewToolResultError(validation.Error())
	case domain.IsKind(err, domain.ErrIndexUnavailable), domain.IsKind(err, domain.ErrTemporary):
		return mcp.NewToolResultError(domain.TemporarilyUnavailableMessage)
	case errors.Is(err, context.DeadlineExceeded):
		return mcp.NewToolResultError("request deadline exceeded")
	default:
		s.logger.Error("mcp_tool_failed", "tool", tool, "error", err)
		return mcp.NewToolResultError("internal error")
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
