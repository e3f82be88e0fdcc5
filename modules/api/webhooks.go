package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/handler"
	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/binder"
	"github.com/dmitrymomot/billsync/svc/webhooks"
)

// MaxWebhookBody caps inbound webhook payloads.
const MaxWebhookBody = 1 << 20

// IdempotencyHeader lets a caller supply its own deduplication key.
const IdempotencyHeader = "Idempotency-Key"

// WebhookProcessor runs one delivery through the ingestion pipeline.
type WebhookProcessor interface {
	Handle(ctx context.Context, d webhooks.Delivery) (webhooks.Result, error)
	Registry() *billing.Registry
}

type WebhookService struct {
	processor    WebhookProcessor
	errorHandler handler.ErrorHandler[handler.Context]
}

// NewWebhookService serves the gateway webhook endpoints.
func NewWebhookService(p WebhookProcessor, errorHandler handler.ErrorHandler[handler.Context]) *WebhookService {
	return &WebhookService{processor: p, errorHandler: errorHandler}
}

type webhookRequest struct {
	Gateway        string `path:"gateway"`
	IdempotencyKey string `header:"Idempotency-Key"`
}

type webhookResponse struct {
	Status  string `json:"status"`
	EntryID string `json:"entry_id,omitempty"`
}

func (s *WebhookService) Handle() http.Handler {
	r := chi.NewRouter()

	r.Post("/{gateway}", handler.Wrap(s.receive,
		handler.WithBinders[handler.Context, webhookRequest](binder.Path(chi.URLParam), binder.Header()),
		handler.WithErrorHandler[handler.Context, webhookRequest](s.errorHandler),
	))
	r.Options("/{gateway}", handler.Wrap(s.preflight,
		handler.WithBinder[handler.Context, webhookRequest](binder.Path(chi.URLParam)),
		handler.WithErrorHandler[handler.Context, webhookRequest](s.errorHandler),
	))

	return r
}

// receive reads the raw body untouched; signatures cover the exact bytes.
func (s *WebhookService) receive(ctx handler.Context, req webhookRequest) handler.Response {
	r := ctx.Request()
	body, err := io.ReadAll(http.MaxBytesReader(ctx.ResponseWriter(), r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return handler.JSONError(errBodyTooLarge)
		}
		return handler.JSONError(errors.Join(errMalformed, err))
	}

	res, err := s.processor.Handle(ctx, webhooks.Delivery{
		Gateway:        req.Gateway,
		Header:         r.Header,
		Body:           body,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return failure(err)
	}

	out := webhookResponse{Status: string(res.Outcome)}
	if res.EntryID != uuid.Nil {
		out.EntryID = res.EntryID.String()
	}
	return handler.JSON(out)
}

// preflight advertises the accepted method and headers for the gateway.
func (s *WebhookService) preflight(_ handler.Context, req webhookRequest) handler.Response {
	adapter, err := s.processor.Registry().Lookup(req.Gateway)
	if err != nil {
		return failure(err)
	}

	headers := strings.Join([]string{"Content-Type", IdempotencyHeader, adapter.SignatureHeader()}, ", ")
	return preflightResponse{allowHeaders: headers}
}

type preflightResponse struct {
	allowHeaders string
}

func (p preflightResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	const methods = "POST, OPTIONS"
	w.Header().Set("Allow", methods)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", p.allowHeaders)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
	return nil
}
