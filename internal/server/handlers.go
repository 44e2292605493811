package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mathserve/wolframd/internal/kernel"
	"github.com/mathserve/wolframd/internal/logger"
	"github.com/mathserve/wolframd/internal/metrics"
)

// ExecuteRequest is the body for POST /execute.
type ExecuteRequest struct {
	Code    string  `json:"code"`
	Timeout float64 `json:"timeout,omitempty"`
	Format  string  `json:"format,omitempty"`
}

// EvaluateRequest is the body for POST /evaluate.
type EvaluateRequest struct {
	Expression string  `json:"expression"`
	Timeout    float64 `json:"timeout,omitempty"`
}

// ExecuteResponse is the body for both execution endpoints. Result carries
// the structured InputForm value; Output carries loose textual output.
type ExecuteResponse struct {
	Success       bool     `json:"success"`
	Result        string   `json:"result,omitempty"`
	Output        string   `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	ExecutionTime float64  `json:"execution_time"`
	Warnings      []string `json:"warnings,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "NotFound", "unknown endpoint", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "wolframd",
		"version": "0.1.0",
		"endpoints": []string{
			"/execute", "/evaluate", "/session", "/health", "/ready", "/metrics",
		},
	})
}

// handleHealth is a basic liveness check: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady verifies a kernel session can actually be established,
// creating one as a side effect when none exists.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if ok, err := s.engine.Available(r.Context()); !ok {
		logger.Info("Readiness check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "kernel session unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "MethodNotAllowed", "use GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.SessionInfo())
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeError(w, "BadRequest", "code is required", http.StatusBadRequest)
		return
	}

	mode := kernel.ModeExpression
	switch req.Format {
	case "", "expression":
	case "text":
		mode = kernel.ModeTextual
	default:
		writeError(w, "BadRequest", "format must be 'expression' or 'text'", http.StatusBadRequest)
		return
	}

	s.execute(w, r, req.Code, req.Timeout, mode)
}

// handleEvaluate is the loose endpoint: the reply comes back as rendered
// OutputForm text in the output field. Strict InputForm results are the
// /execute endpoint's default.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Expression == "" {
		writeError(w, "BadRequest", "expression is required", http.StatusBadRequest)
		return
	}

	s.execute(w, r, req.Expression, req.Timeout, kernel.ModeTextual)
}

// execute runs safety screening then the engine, and writes the shared
// response shape. Screening rejections never reach the kernel.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, code string, timeoutSeconds float64, mode kernel.Mode) {
	safe, warnings := s.validator.Validate(code)
	if !safe {
		metrics.RecordUnsafeCodeRejection()
		logger.InfoContext(r.Context(), "code rejected by safety screening", "warnings", len(warnings))
		writeJSON(w, http.StatusForbidden, ExecuteResponse{
			Success:  false,
			Error:    "code rejected by safety screening",
			Warnings: warnings,
		})
		return
	}

	var timeout time.Duration
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds * float64(time.Second))
	}

	outcome := s.engine.Execute(r.Context(), code, timeout, mode)

	resp := ExecuteResponse{
		Success:       outcome.Success,
		Error:         outcome.Err,
		ExecutionTime: outcome.Elapsed.Seconds(),
		Warnings:      warnings,
	}
	if outcome.Result != nil {
		if outcome.Result.Kind == kernel.KindText {
			resp.Output = outcome.Result.Raw
		} else {
			resp.Result = outcome.Result.Raw
		}
	}

	// Failed evaluations are still HTTP 200: the request was served, the
	// outcome reports the evaluation status.
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		writeError(w, "MethodNotAllowed", "use POST", http.StatusMethodNotAllowed)
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, "BadRequest", "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, errType, message string, status int) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}
