package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"fitcheck-auction-api/internal/service"
	"fitcheck-auction-api/pkg/apierror"
	"fitcheck-auction-api/pkg/response"

	"github.com/go-chi/chi/v5"
)

// WebhookHandler receives payment provider webhooks.
type WebhookHandler struct {
	reconciler *service.WebhookReconciler
	provider   string
}

// NewWebhookHandler creates a new webhook handler for the named provider.
func NewWebhookHandler(reconciler *service.WebhookReconciler, provider string) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		provider:   provider,
	}
}

// signatureHeader builds the provider's signature header name, e.g.
// X-Bitnob-Signature for "bitnob".
func signatureHeader(provider string) string {
	if provider == "" {
		return "X-Webhook-Signature"
	}
	return "X-" + strings.ToUpper(provider[:1]) + strings.ToLower(provider[1:]) + "-Signature"
}

// Receive handles POST /webhooks/{provider}. Responses: 200 when the event
// was processed or deliberately ignored, 400 for malformed payloads or a
// missing signature, 403 when the signature does not verify.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider == "" {
		provider = h.provider
	}
	if !strings.EqualFold(provider, h.provider) {
		response.Error(w, apierror.NotFound("unknown payment provider"))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		response.Error(w, apierror.BadRequest("failed to read request body"))
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(signatureHeader(provider))
	if err := h.reconciler.Verify(raw, signature); err != nil {
		switch {
		case errors.Is(err, service.ErrMissingSignature):
			response.Error(w, apierror.BadRequest("missing webhook signature"))
		case errors.Is(err, service.ErrInvalidSignature):
			response.Error(w, apierror.Forbidden("invalid webhook signature"))
		default:
			response.Error(w, err)
		}
		return
	}

	if err := h.reconciler.Process(r.Context(), raw); err != nil {
		if errors.Is(err, service.ErrMalformedPayload) {
			response.Error(w, apierror.BadRequest("malformed webhook payload"))
			return
		}
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]string{"status": "processed"})
}
