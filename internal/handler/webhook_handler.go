package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/service"
)

const (
	SignatureHeader = "X-Motorical-Signature"
	maxWebhookBody  = 1 << 20
)

// WebhookHandler receives provider delivery events.
type WebhookHandler struct {
	Service *service.WebhookService
	Log     zerolog.Logger
}

func (h *WebhookHandler) Motorical(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if err := h.Service.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		h.Log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}
	out, err := h.Service.Handle(r.Context(), body)
	if err != nil {
		if errors.Is(err, appErrors.ErrInvalidInput) {
			respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.Log.Error().Err(err).Msg("webhook handling failed")
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	status := http.StatusOK
	if !out.Recorded {
		status = http.StatusAccepted
	}
	respond(w, status, out)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
