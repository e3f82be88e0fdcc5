// Package identity maps billing customers to local accounts, provisioning an
// account on first purchase.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/queue"
	"github.com/dmitrymomot/billsync/svc/users"
)

var ErrUserNotFound = errors.New("user not found")

// passwordBytes is the entropy of the throwaway password set on provisioned accounts.
const passwordBytes = 24

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// Resolver finds or provisions the account behind a billing email.
type Resolver struct {
	users    users.Store
	enqueuer Enqueuer
	logger   *slog.Logger
	now      func() time.Time
	cost     int
}

type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBcryptCost overrides the hashing cost.
func WithBcryptCost(cost int) Option {
	return func(r *Resolver) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			r.cost = cost
		}
	}
}

// NewResolver returns a Resolver that creates missing users and enqueues welcome emails.
func NewResolver(store users.Store, enqueuer Enqueuer, opts ...Option) *Resolver {
	r := &Resolver{
		users:    store,
		enqueuer: enqueuer,
		logger:   slog.Default(),
		now:      time.Now,
		cost:     bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the id of the account for email, creating it when absent.
// A newly created account is email-confirmed, carries planSlug in its
// metadata and gets a welcome task; a failed enqueue is logged only.
func (r *Resolver) Resolve(ctx context.Context, email, planSlug string) (uuid.UUID, error) {
	addr, err := users.NormalizeEmail(email)
	if err != nil {
		return uuid.Nil, errors.Join(billing.ErrResolution, err)
	}

	u, err := r.users.GetByEmail(ctx, addr)
	if err == nil {
		return u.ID, nil
	}
	if !errors.Is(err, users.ErrUserNotFound) {
		return uuid.Nil, errors.Join(billing.ErrPersistence, fmt.Errorf("lookup user: %w", err))
	}

	return r.provision(ctx, addr, planSlug)
}

func (r *Resolver) provision(ctx context.Context, addr, planSlug string) (uuid.UUID, error) {
	secret := make([]byte, passwordBytes)
	if _, err := rand.Read(secret); err != nil {
		return uuid.Nil, errors.Join(billing.ErrPersistence, fmt.Errorf("generate password: %w", err))
	}
	hash, err := bcrypt.GenerateFromPassword(secret, r.cost)
	if err != nil {
		return uuid.Nil, errors.Join(billing.ErrPersistence, fmt.Errorf("hash password: %w", err))
	}

	confirmed := r.now().UTC()
	u := &users.User{
		Email:            addr,
		PasswordHash:     hash,
		EmailConfirmedAt: &confirmed,
	}
	if planSlug != "" {
		u.Metadata = map[string]string{billing.MetaPlanSlug: planSlug}
	}

	if err := r.users.Create(ctx, u); err != nil {
		if errors.Is(err, users.ErrEmailTaken) {
			// Another delivery created the account first.
			winner, gerr := r.users.GetByEmail(ctx, addr)
			if gerr != nil {
				return uuid.Nil, errors.Join(billing.ErrPersistence, gerr)
			}
			return winner.ID, nil
		}
		return uuid.Nil, errors.Join(billing.ErrPersistence, fmt.Errorf("create user: %w", err))
	}

	r.logger.InfoContext(ctx, "provisioned account from billing event",
		logger.UserID(u.ID), logger.Plan(planSlug))

	if r.enqueuer != nil {
		task := WelcomeEmail{UserID: u.ID, Email: addr, PlanSlug: planSlug}
		if err := r.enqueuer.Enqueue(ctx, task, queue.WithMaxRetries(5)); err != nil {
			r.logger.WarnContext(ctx, "welcome email not scheduled", logger.UserID(u.ID), logger.Error(err))
		}
	}
	return u.ID, nil
}

// ResolveByID confirms that an account exists.
func (r *Resolver) ResolveByID(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	u, err := r.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return uuid.Nil, errors.Join(billing.ErrResolution, ErrUserNotFound, fmt.Errorf("id %s", id))
		}
		return uuid.Nil, errors.Join(billing.ErrPersistence, err)
	}
	return u.ID, nil
}
