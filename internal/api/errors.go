package api

import (
	"encoding/json"
	"net/http"

	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/jobs"
)

// errorBody 是所有错误响应的统一格式。
type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, jobs.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeSessionNotFound, jobs.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeSessionClosed, jobs.CodeJobConflict, jobs.CodeJobCompleted, jobs.CodeJobExhausted:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure, xerrors.CodeAllProvidersUnavailable, xerrors.CodeProviderUnavailable,
		xerrors.CodeOrchestrationAborted, jobs.CodeJobPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	writeJSON(w, statusFor(body.Code), body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
