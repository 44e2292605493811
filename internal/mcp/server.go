// Package mcp exposes kernel evaluation over the Model Context Protocol.
//
// Three tools are published: wolfram_execute (full outcome with warnings),
// wolfram_evaluate (expression in, result string out), and kernel_info
// (session state snapshot). The HTTP handler is mounted by the main server
// under /mcp behind the same auth and rate-limit chain as the REST surface.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mathserve/wolframd/internal/kernel"
	"github.com/mathserve/wolframd/internal/logger"
	"github.com/mathserve/wolframd/internal/security"
)

// Evaluator is the slice of the execution engine the MCP tools need.
type Evaluator interface {
	Execute(ctx context.Context, code string, timeout time.Duration, mode kernel.Mode) kernel.Outcome
	SessionInfo() kernel.SessionInfo
}

// Server wraps the MCP SDK server with the evaluation engine.
type Server struct {
	engine    Evaluator
	validator *security.Validator
	mcpServer *mcp.Server
}

// NewServer creates an MCP server exposing the kernel tools.
func NewServer(engine Evaluator, validator *security.Validator) *Server {
	s := &Server{
		engine:    engine,
		validator: validator,
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "wolframd",
		Version: "0.1.0",
	}, nil)

	s.registerTools()
	return s
}

// Handler returns an HTTP handler serving the MCP streamable transport.
// Callers are expected to wrap it with auth and rate-limit middleware.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// ExecuteInput is the argument payload for wolfram_execute.
type ExecuteInput struct {
	Code    string  `json:"code"`
	Timeout float64 `json:"timeout,omitempty"`
	Format  string  `json:"format,omitempty"`
}

// ExecuteOutput mirrors the REST execute response shape.
type ExecuteOutput struct {
	Success       bool     `json:"success"`
	Result        string   `json:"result,omitempty"`
	Error         string   `json:"error,omitempty"`
	ExecutionTime float64  `json:"execution_time"`
	Warnings      []string `json:"warnings,omitempty"`
}

// EvaluateInput is the argument payload for wolfram_evaluate.
type EvaluateInput struct {
	Expression string  `json:"expression" jsonschema:"Wolfram Language expression to evaluate"`
	Timeout    float64 `json:"timeout,omitempty" jsonschema:"timeout in seconds, defaults to the server default"`
}

// EvaluateOutput carries just the result string.
type EvaluateOutput struct {
	Result        string  `json:"result"`
	ExecutionTime float64 `json:"execution_time"`
}

// KernelInfoOutput reports the current session state.
type KernelInfoOutput struct {
	Available     bool    `json:"available"`
	State         string  `json:"state"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	IdleSeconds   float64 `json:"idle_seconds,omitempty"`
}

// executeSchema is spelled out by hand so the tool listing documents the
// format enum; the other tools rely on SDK schema inference.
var executeSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"code": {
			Type:        "string",
			Description: "Wolfram Language code to execute",
		},
		"timeout": {
			Type:        "number",
			Description: "Timeout in seconds (capped at the server maximum)",
		},
		"format": {
			Type:        "string",
			Description: "Result format: 'expression' (InputForm) or 'text' (OutputForm)",
			Enum:        []any{"expression", "text"},
		},
	},
	Required: []string{"code"},
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "wolfram_execute",
		Description: "Execute Wolfram Language code and return the full outcome including safety warnings.",
		InputSchema: executeSchema,
	}, s.handleExecute)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "wolfram_evaluate",
		Description: "Evaluate a single Wolfram Language expression and return the result in InputForm.",
	}, s.handleEvaluate)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "kernel_info",
		Description: "Report the kernel session state, version, and idle time.",
	}, s.handleKernelInfo)
}

func (s *Server) handleExecute(ctx context.Context, req *mcp.CallToolRequest, input ExecuteInput) (*mcp.CallToolResult, ExecuteOutput, error) {
	if input.Code == "" {
		return nil, ExecuteOutput{}, fmt.Errorf("code is required")
	}

	mode := kernel.ModeExpression
	if input.Format == "text" {
		mode = kernel.ModeTextual
	}

	safe, warnings := s.validator.Validate(input.Code)
	if !safe {
		return nil, ExecuteOutput{
			Success:  false,
			Error:    "code rejected by safety screening",
			Warnings: warnings,
		}, nil
	}

	logger.Info("MCP execute: %d bytes, format=%s", len(input.Code), mode)

	outcome := s.engine.Execute(ctx, input.Code, secondsToDuration(input.Timeout), mode)

	out := ExecuteOutput{
		Success:       outcome.Success,
		Error:         outcome.Err,
		ExecutionTime: outcome.Elapsed.Seconds(),
		Warnings:      warnings,
	}
	if outcome.Result != nil {
		out.Result = outcome.Result.Raw
	}
	return nil, out, nil
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcp.CallToolRequest, input EvaluateInput) (*mcp.CallToolResult, EvaluateOutput, error) {
	if input.Expression == "" {
		return nil, EvaluateOutput{}, fmt.Errorf("expression is required")
	}

	if safe, warnings := s.validator.Validate(input.Expression); !safe {
		return nil, EvaluateOutput{}, fmt.Errorf("expression rejected by safety screening: %v", warnings)
	}

	outcome := s.engine.Execute(ctx, input.Expression, secondsToDuration(input.Timeout), kernel.ModeExpression)
	if !outcome.Success {
		return nil, EvaluateOutput{}, fmt.Errorf("%s", outcome.Err)
	}

	out := EvaluateOutput{ExecutionTime: outcome.Elapsed.Seconds()}
	if outcome.Result != nil {
		out.Result = outcome.Result.Raw
	}
	return nil, out, nil
}

func (s *Server) handleKernelInfo(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, KernelInfoOutput, error) {
	info := s.engine.SessionInfo()
	return nil, KernelInfoOutput{
		Available:     info.Active,
		State:         info.State,
		KernelVersion: info.KernelVersion,
		IdleSeconds:   info.IdleSeconds,
	}, nil
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
