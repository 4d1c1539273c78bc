package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/copyleftdev/boxopt/internal/errors"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
	rpcNotFound       = -32001
	rpcConflict       = -32002
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type jobRef struct {
	OptimizationID string `json:"optimization_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		var req OptimizeRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.startOptimization(req)
		}
	case "optimization.status":
		var ref jobRef
		if err = decodeJobRef(request.Params, &ref); err == nil {
			result, err = s.optimizationStatus(ref.OptimizationID)
		}
	case "optimization.cancel":
		var ref jobRef
		if err = decodeJobRef(request.Params, &ref); err == nil {
			if err = s.cancelOptimization(ref.OptimizationID); err == nil {
				result = map[string]string{"status": "cancellation requested"}
			}
		}
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code, message := rpcError(err)
		s.respondWithError(w, code, message, request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// decodeParams decodes the first positional parameter into v.
func decodeParams(params []json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return apperrors.New("missing required parameters").WithStatus(http.StatusBadRequest)
	}
	if err := json.Unmarshal(params[0], v); err != nil {
		return apperrors.BadRequest(err, "invalid parameter format, expected object")
	}
	return nil
}

func decodeJobRef(params []json.RawMessage, ref *jobRef) error {
	if err := decodeParams(params, ref); err != nil {
		return err
	}
	if ref.OptimizationID == "" {
		return apperrors.New("optimization_id is required").WithStatus(http.StatusBadRequest)
	}
	return nil
}

// rpcError maps a handler error onto a JSON-RPC code and client message.
func rpcError(err error) (int, string) {
	switch status := apperrors.StatusCode(err); status {
	case http.StatusBadRequest:
		return rpcInvalidParams, err.Error()
	case http.StatusNotFound:
		return rpcNotFound, err.Error()
	case http.StatusConflict:
		return rpcConflict, err.Error()
	default:
		return rpcServerError, fmt.Sprintf("Server error: %s", http.StatusText(status))
	}
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("JSON-RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
