package daemon

import (
	"net/http"
	"strings"
)

const daemonErrorCodeVersion = "v1"

const (
	// Auth domain
	daemonErrorCodeAuthMissingToken  = daemonErrorCodeVersion + "/auth/missing_token"
	daemonErrorCodeAuthInvalidToken  = daemonErrorCodeVersion + "/auth/invalid_token"
	daemonErrorCodeAuthRemoteAddress = daemonErrorCodeVersion + "/auth/remote_address_denied"
	daemonErrorCodeAuthForbidden     = daemonErrorCodeVersion + "/auth/forbidden"

	// Validation domain
	daemonErrorCodeValidationBadRequest    = daemonErrorCodeVersion + "/validation/bad_request"
	daemonErrorCodeValidationMalformedJSON = daemonErrorCodeVersion + "/validation/malformed_json"
	daemonErrorCodeValidationFailed        = daemonErrorCodeVersion + "/validation/failed"
	daemonErrorCodeValidationInvalidValue  = daemonErrorCodeVersion + "/validation/invalid_value"

	// Range domain
	daemonErrorCodeRangeRunning           = daemonErrorCodeVersion + "/range/already_running"
	daemonErrorCodeRangeBuildInProgress   = daemonErrorCodeVersion + "/range/build_in_progress"
	daemonErrorCodeRangeDestroyInProgress = daemonErrorCodeVersion + "/range/destroy_in_progress"
	daemonErrorCodeRangeInvalidState      = daemonErrorCodeVersion + "/range/invalid_state"
	daemonErrorCodeRangeNoJob             = daemonErrorCodeVersion + "/range/no_job"
	daemonErrorCodeRangeDestroyFailed     = daemonErrorCodeVersion + "/range/destroy_failed"
	daemonErrorCodeRangeRateLimited       = daemonErrorCodeVersion + "/range/rate_limited"

	// Catalog domain
	daemonErrorCodeCatalogUnavailable = daemonErrorCodeVersion + "/catalog/unavailable"

	// History domain
	daemonErrorCodeHistoryUnavailable = daemonErrorCodeVersion + "/history/unavailable"

	// Generic fallbacks
	daemonErrorCodeResourceNotFound = daemonErrorCodeVersion + "/resource/not_found"
	daemonErrorCodeConflict         = daemonErrorCodeVersion + "/resource/conflict"
	daemonErrorCodeMethodNotAllowed = daemonErrorCodeVersion + "/resource/method_not_allowed"
	daemonErrorCodeInternalError    = daemonErrorCodeVersion + "/internal/error"
	daemonErrorCodeServerError      = daemonErrorCodeVersion + "/internal/server_error"
	daemonErrorCodeUnavailable      = daemonErrorCodeVersion + "/internal/unavailable"
)

func daemonErrorCode(status int, message string) string {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized != "" {
		if code := daemonErrorCodeFromMessage(status, normalized); code != "" {
			return code
		}
	}
	return daemonErrorCodeByStatus(status)
}

func daemonErrorCodeFromMessage(status int, normalized string) string {
	switch {
	case strings.Contains(normalized, "missing authentication token"):
		return daemonErrorCodeAuthMissingToken
	case strings.Contains(normalized, "invalid authentication token"):
		return daemonErrorCodeAuthInvalidToken
	case strings.Contains(normalized, "remote address not allowed"):
		return daemonErrorCodeAuthRemoteAddress
	case strings.Contains(normalized, "validation failed"):
		return daemonErrorCodeValidationFailed
	case strings.Contains(normalized, "invalid request body"),
		strings.Contains(normalized, "unexpected trailing data"):
		return daemonErrorCodeValidationMalformedJSON
	case strings.Contains(normalized, "invalid limit"):
		return daemonErrorCodeValidationInvalidValue
	case strings.Contains(normalized, "too many range requests"):
		return daemonErrorCodeRangeRateLimited
	case strings.Contains(normalized, "already running"):
		return daemonErrorCodeRangeRunning
	case strings.Contains(normalized, "being built"):
		return daemonErrorCodeRangeBuildInProgress
	case strings.Contains(normalized, "destroy is already in progress"):
		return daemonErrorCodeRangeDestroyInProgress
	case strings.Contains(normalized, "job already"):
		return daemonErrorCodeRangeInvalidState
	case strings.Contains(normalized, "no active or recent job"):
		return daemonErrorCodeRangeNoJob
	case strings.Contains(normalized, "destroy failed"):
		return daemonErrorCodeRangeDestroyFailed
	case strings.Contains(normalized, "scenarios"):
		return daemonErrorCodeCatalogUnavailable
	case strings.Contains(normalized, "history"):
		return daemonErrorCodeHistoryUnavailable
	case strings.Contains(normalized, "method not allowed"):
		return daemonErrorCodeMethodNotAllowed
	case strings.Contains(normalized, "not found"):
		return daemonErrorCodeResourceNotFound
	case strings.Contains(normalized, "conflict"):
		return daemonErrorCodeConflict
	case strings.Contains(normalized, "unavailable"):
		if status >= http.StatusInternalServerError {
			return daemonErrorCodeUnavailable
		}
		return daemonErrorCodeConflict
	}
	return ""
}

func daemonErrorCodeByStatus(status int) string {
	switch status {
	case http.StatusForbidden, http.StatusUnauthorized:
		return daemonErrorCodeAuthForbidden
	case http.StatusBadRequest:
		return daemonErrorCodeValidationBadRequest
	case http.StatusNotFound:
		return daemonErrorCodeResourceNotFound
	case http.StatusMethodNotAllowed:
		return daemonErrorCodeMethodNotAllowed
	case http.StatusConflict:
		return daemonErrorCodeConflict
	case http.StatusInternalServerError:
		return daemonErrorCodeServerError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return daemonErrorCodeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return daemonErrorCodeServerError
		}
	}
	return daemonErrorCodeInternalError
}
