package chi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/logger"
)

// Error codes shared by the authority and runtime surfaces.
const (
	CodeBadRequest            = "bad_request"
	CodeValidationFailed      = "validation_failed"
	CodeInvalidCredential     = "invalid_credential"
	CodeInsufficientBudget    = "insufficient_budget"
	CodeBudgetNotFound        = "budget_not_found"
	CodeLeaseNotFound         = "lease_not_found"
	CodeLeaseForbidden        = "lease_forbidden"
	CodeLeaseSuperseded       = "lease_superseded"
	CodeBudgetExceededLocally = "budget_exceeded_locally"
	CodeBudgetDenied          = "budget_denied"
	CodeSafetyRejected        = "safety_rejected"
	CodeToolForbidden         = "tool_forbidden"
	CodeDependencyUnavailable = "dependency_unavailable"
	CodeRequestTimeout        = "request_timeout"
	CodeTranslationFailed     = "translation_failed"
	CodeInternalError         = "internal_error"
)

// maxBodyBytes caps request bodies on both surfaces.
const maxBodyBytes = 1 << 20

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// sentinelHandler returns an errorHandler that matches a single sentinel error.
// The client sees the sentinel's message, never the wrapped chain.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error())
		return true
	}
}

// validationHandler echoes the field-level reason, which never carries secrets.
func validationHandler(w http.ResponseWriter, err error) bool {
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	writeError(w, http.StatusBadRequest, CodeValidationFailed, ve.Error())
	return true
}

// dependencyHandler names the failed dependency without its cause.
func dependencyHandler(w http.ResponseWriter, err error) bool {
	var de *domain.DependencyError
	if !errors.As(err, &de) {
		return false
	}
	writeError(w, http.StatusServiceUnavailable, CodeDependencyUnavailable,
		string(de.Dependency)+" unavailable")
	return true
}

// handleError maps err through handlers, falling back to a 500.
func handleError(w http.ResponseWriter, r *http.Request, handlers []errorHandler, err error) {
	log := logger.FromContext(r.Context())
	for _, h := range handlers {
		if h(w, err) {
			log.Warn("request failed", zap.Error(err))
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Code: code, Message: message})
}

// decodeJSON reads a bounded JSON body into v and writes the 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return false
	}
	return true
}
