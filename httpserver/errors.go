package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ruteri/identity-lifecycle-backend/api"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/minter"
)

// statusFor maps an error kind onto an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, interfaces.ErrAmbiguousOutcome):
		return http.StatusAccepted, "ambiguous_outcome"
	case errors.Is(err, interfaces.ErrMFARequired):
		return http.StatusForbidden, "mfa_required"
	case errors.Is(err, interfaces.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, interfaces.ErrAuthentication):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, interfaces.ErrPermission):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, interfaces.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, interfaces.ErrExternalService):
		return http.StatusServiceUnavailable, "external_service_error"
	case errors.Is(err, interfaces.ErrExecutionFailed):
		return http.StatusInternalServerError, "execution_failed"
	case errors.Is(err, interfaces.ErrConfiguration):
		return http.StatusInternalServerError, "configuration_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError renders err. An ambiguous mint is not a failure from the
// client's point of view and is answered like a mint response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ambiguous *minter.AmbiguousError
	if errors.As(err, &ambiguous) {
		h.log.Warn("Mint outcome ambiguous",
			slog.String("path", r.URL.Path),
			slog.String("tx_hash", ambiguous.TxHash.Hex()),
			"err", err)
		writeJSON(w, http.StatusAccepted, api.MintResponse{
			Outcome: api.OutcomeAmbiguous,
			TxHash:  ambiguous.TxHash.Hex(),
		})
		return
	}

	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", slog.String("path", r.URL.Path), slog.String("code", code), "err", err)
		if code == "internal_error" {
			msg = "internal server error"
		}
	} else {
		h.log.Debug("Request rejected", slog.String("path", r.URL.Path), slog.String("code", code), "err", err)
	}

	writeJSON(w, status, api.ErrorResponse{
		Error:       msg,
		Code:        code,
		MFARequired: errors.Is(err, interfaces.ErrMFARequired),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
