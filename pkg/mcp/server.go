// Package mcp serves deepshell over the Model Context Protocol: JSON-RPC
// 2.0 messages, one per line, on stdin and stdout.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/engine"
	"github.com/deepshell/deepshell/pkg/models"
)

// Backend is what the tools call into. *engine.Engine implements it.
type Backend interface {
	Ask(ctx context.Context, q models.Query, onChunk func(string)) (*engine.Result, error)
	ListSessions(ctx context.Context) ([]models.SessionInfo, error)
	ReadSession(ctx context.Context, id string) ([]models.Message, error)
	ListPersonas() ([]models.Persona, error)
	UsageSummary(ctx context.Context, provider string) ([]models.UsageSummary, error)
	BudgetStatus(ctx context.Context) ([]models.BudgetStatus, error)
	CacheStats(ctx context.Context) ([]models.CacheStats, error)
}

// Server handles one client connection.
type Server struct {
	backend Backend
	version string
	logger  *zap.Logger
}

// New creates a Server.
func New(backend Backend, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{backend: backend, version: version, logger: logger}
}

// Run reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled. Requests are served in order.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, failure(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.handle(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return failure(req.ID, CodeInvalidRequest, "jsonrpc must be 2.0")
	}
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "deepshell", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return failure(req.ID, CodeInvalidParams, "invalid params")
		}
		return result(req.ID, s.callTool(ctx, params))
	}
	if req.isNotification() {
		return nil
	}
	return failure(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
}

func (s *Server) callTool(ctx context.Context, params ToolCallParams) ToolCallResult {
	t, ok := toolsByName[params.Name]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", params.Name))
	}
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	s.logger.Debug("tool call", zap.String("tool", params.Name))
	return t.handler(ctx, s.backend, args)
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
