package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/handler"
	"github.com/dmitrymomot/billsync/pkg/binder"
	"github.com/dmitrymomot/billsync/svc/entitlement"
	"github.com/dmitrymomot/billsync/svc/users"
)

// ServiceSecretHeader carries the shared secret for internal endpoints.
const ServiceSecretHeader = "X-Service-Secret"

type (
	GrantIssuer interface {
		Issue(ctx context.Context, req entitlement.IssueRequest) (*entitlement.IssueResult, error)
	}
	GrantSweeper interface {
		Sweep(ctx context.Context) (entitlement.SweepResult, error)
	}
)

type GrantService struct {
	secret       string
	grants       GrantIssuer
	sweeper      GrantSweeper
	errorHandler handler.ErrorHandler[handler.Context]
}

// NewGrantService serves the internal grant endpoints guarded by secret.
func NewGrantService(secret string, g GrantIssuer, s GrantSweeper, errorHandler handler.ErrorHandler[handler.Context]) *GrantService {
	return &GrantService{secret: secret, grants: g, sweeper: s, errorHandler: errorHandler}
}

type grantRequest struct {
	UserID                 *uuid.UUID `json:"user_id"`
	Email                  string     `json:"email"`
	Seats                  int64      `json:"seats"`
	Quantity               int64      `json:"quantity"`
	Counter                string     `json:"counter"`
	ValidDays              int        `json:"valid_days"`
	ValidUntil             *time.Time `json:"valid_until"`
	Gateway                string     `json:"gateway"`
	ExternalOrderID        string     `json:"external_order_id"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	IssuedBy               string     `json:"issued_by"`
	IdempotencyKey         string     `json:"idempotency_key"`
}

// toIssue accepts "seats" as an alias for quantity on the member seat counter.
func (g grantRequest) toIssue() entitlement.IssueRequest {
	req := entitlement.IssueRequest{
		Email:                  g.Email,
		Counter:                users.Counter(g.Counter),
		Quantity:               g.Quantity,
		ValidDays:              g.ValidDays,
		Gateway:                g.Gateway,
		ExternalOrderID:        g.ExternalOrderID,
		ExternalSubscriptionID: g.ExternalSubscriptionID,
		IssuedBy:               g.IssuedBy,
		IdempotencyKey:         g.IdempotencyKey,
	}
	if g.UserID != nil {
		req.UserID = *g.UserID
	}
	if req.Quantity == 0 {
		req.Quantity = g.Seats
	}
	if g.ValidUntil != nil {
		req.ValidUntil = *g.ValidUntil
	}
	if req.IssuedBy == "" {
		req.IssuedBy = "internal"
	}
	return req
}

type grantResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	GrantID uuid.UUID `json:"grant_id"`
	Created bool      `json:"created"`
	entitlement.Snapshot
}

func (s *GrantService) Handle() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireSecret)

	r.Post("/", handler.Wrap(s.issue,
		handler.WithBinder[handler.Context, grantRequest](binder.JSON()),
		handler.WithErrorHandler[handler.Context, grantRequest](s.errorHandler),
	))
	r.Post("/expire", handler.Wrap(s.expire,
		handler.WithErrorHandler[handler.Context, struct{}](s.errorHandler),
	))

	return r
}

// requireSecret rejects requests without the configured shared secret. An
// unset secret disables the endpoints rather than opening them.
func (s *GrantService) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			_ = handler.JSONError(errSecretNotConfig).Render(w, r)
			return
		}
		got := r.Header.Get(ServiceSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			_ = handler.JSONError(errServiceSecret).Render(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *GrantService) issue(ctx handler.Context, req grantRequest) handler.Response {
	res, err := s.grants.Issue(ctx, req.toIssue())
	if err != nil {
		return failure(err)
	}
	return handler.JSON(grantResponse{
		UserID:   res.UserID,
		GrantID:  res.GrantID,
		Created:  res.Created,
		Snapshot: res.Snapshot,
	})
}

func (s *GrantService) expire(ctx handler.Context, _ struct{}) handler.Response {
	res, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return failure(err)
	}
	return handler.JSON(res)
}
