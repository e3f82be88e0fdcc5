package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/svc/entitlement"
	"github.com/dmitrymomot/billsync/svc/identity"
	"github.com/dmitrymomot/billsync/svc/users"
)

var errCounterDown = errors.New("counter store down")

// flakyUsers fails counter updates while broken is set.
type flakyUsers struct {
	*users.MemoryStore
	broken atomic.Bool
}

func (f *flakyUsers) IncrementCounter(ctx context.Context, id uuid.UUID, c users.Counter, delta int64) (int64, error) {
	if f.broken.Load() {
		return 0, errCounterDown
	}
	return f.MemoryStore.IncrementCounter(ctx, id, c, delta)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	users    *flakyUsers
	store    *entitlement.MemoryStore
	counters *entitlement.Counters
	grants   *entitlement.Grants
	sweeper  *entitlement.Sweeper
	clock    *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	us := &flakyUsers{MemoryStore: users.NewMemoryStore()}
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := entitlement.NewMemoryStore(us)
	counters := entitlement.NewCounters(us)
	owners := identity.NewResolver(us.MemoryStore, nil, identity.WithBcryptCost(4))
	return &env{
		users:    us,
		store:    store,
		counters: counters,
		grants:   entitlement.NewGrants(store, counters, owners, entitlement.WithClock(clk.Now)),
		sweeper:  entitlement.NewSweeper(store, entitlement.WithClock(clk.Now)),
		clock:    clk,
	}
}

func (e *env) newUser(t *testing.T, email string) uuid.UUID {
	t.Helper()
	u := &users.User{Email: email}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u.ID
}

func TestCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "counter@example.com")

	v, err := e.counters.Increment(ctx, id, users.CounterMemberSeats, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = e.counters.Increment(ctx, id, users.CounterMemberSeats, -10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v, "counter never goes negative")

	_, err = e.counters.Increment(ctx, id, users.CounterOrganizations, 2)
	require.NoError(t, err)
	got, err := e.counters.Get(ctx, id, users.CounterOrganizations)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)

	_, err = e.counters.Increment(ctx, id, users.Counter("credits"), 1)
	assert.ErrorIs(t, err, billing.ErrMalformedPayload)

	_, err = e.counters.Increment(ctx, uuid.New(), users.CounterMemberSeats, 1)
	assert.ErrorIs(t, err, billing.ErrResolution)

	e.users.broken.Store(true)
	_, err = e.counters.Increment(ctx, id, users.CounterMemberSeats, 1)
	assert.ErrorIs(t, err, billing.ErrPersistence)
}

func TestCountersConcurrentIncrements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "race@example.com")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.counters.Increment(ctx, id, users.CounterMemberSeats, 1)
		}()
	}
	wg.Wait()

	got, err := e.counters.Get(ctx, id, users.CounterMemberSeats)
	require.NoError(t, err)
	assert.EqualValues(t, 50, got)
}

func TestIssueValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "valid@example.com")

	tests := []struct {
		name string
		req  entitlement.IssueRequest
		err  error
	}{
		{"zero quantity", entitlement.IssueRequest{UserID: id}, entitlement.ErrInvalidQuantity},
		{"negative quantity", entitlement.IssueRequest{UserID: id, Quantity: -1}, entitlement.ErrInvalidQuantity},
		{"no owner", entitlement.IssueRequest{Quantity: 1}, entitlement.ErrMissingOwner},
		{"unknown counter", entitlement.IssueRequest{UserID: id, Quantity: 1, Counter: "x"}, users.ErrInvalidCounter},
		{"past validity", entitlement.IssueRequest{UserID: id, Quantity: 1, ValidUntil: e.clock.Now().Add(-time.Hour)}, entitlement.ErrInvalidValidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.grants.Issue(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.ErrorIs(t, err, billing.ErrMalformedPayload)
		})
	}

	_, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: uuid.New(), Quantity: 1})
	assert.ErrorIs(t, err, billing.ErrResolution)
}

func TestIssueByUserID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "owner@example.com")

	res, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 5, IssuedBy: "ops"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, id, res.UserID)
	assert.EqualValues(t, 5, res.MemberSeatsExtra)
	assert.EqualValues(t, 0, res.OrganizationsExtra)
	assert.Equal(t, e.clock.Now().AddDate(0, 0, entitlement.DefaultValidDays), res.Grant.ValidUntil)
	assert.Empty(t, res.Grant.IdempotencyKey)
}

func TestIssueByEmailProvisionsUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.grants.Issue(ctx, entitlement.IssueRequest{
		Email:     "New.Buyer@Example.com",
		Quantity:  2,
		Counter:   users.CounterOrganizations,
		ValidDays: 30,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.OrganizationsExtra)

	u, err := e.users.GetByEmail(ctx, "new.buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.UserID)
	assert.Equal(t, e.clock.Now().AddDate(0, 0, 30), res.Grant.ValidUntil)
}

func TestIssueIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "idem@example.com")

	req := entitlement.IssueRequest{UserID: id, Quantity: 3, IdempotencyKey: "order-42"}
	first, err := e.grants.Issue(ctx, req)
	require.NoError(t, err)
	second, err := e.grants.Issue(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.GrantID, second.GrantID)
	assert.False(t, second.Created)
	assert.EqualValues(t, 3, second.MemberSeatsExtra)
}

func TestIssueDerivesKeyFromOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "order@example.com")

	req := entitlement.IssueRequest{UserID: id, Quantity: 1, Gateway: "stripe", ExternalOrderID: "cs_1"}
	assert.Equal(t, "stripe:cs_1", req.Key())

	first, err := e.grants.Issue(ctx, req)
	require.NoError(t, err)
	again, err := e.grants.Issue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.GrantID, again.GrantID)
	assert.EqualValues(t, 1, again.MemberSeatsExtra)
}

func TestIssueConcurrentSameKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "concurrent@example.com")

	var (
		wg  sync.WaitGroup
		ids sync.Map
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 2, IdempotencyKey: "same"})
			if err == nil {
				ids.Store(res.GrantID, true)
			}
		}()
	}
	wg.Wait()

	var distinct int
	ids.Range(func(_, _ any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct)

	got, err := e.counters.Get(ctx, id, users.CounterMemberSeats)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)
}

func TestIssueRollsBackOnCounterFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "partial@example.com")

	e.users.broken.Store(true)
	_, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 4, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrPartialApplication)
	assert.ErrorIs(t, err, entitlement.ErrCounterNotApplied)

	_, err = e.store.GetByKey(ctx, "k")
	assert.ErrorIs(t, err, entitlement.ErrGrantNotFound, "no grant row without its counter")

	e.users.broken.Store(false)
	res, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 4, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.EqualValues(t, 4, res.MemberSeatsExtra)
}

func TestIssueKeepsGrantsAndCounterInStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "instep@example.com")

	conserved := func() {
		t.Helper()
		got, err := e.counters.Get(ctx, id, users.CounterMemberSeats)
		require.NoError(t, err)
		assert.Equal(t, e.store.SumActive(id, users.CounterMemberSeats), got)
	}

	// A retry after a failed increment must apply the counter, not return a
	// grant that never moved it.
	e.users.broken.Store(true)
	for range 3 {
		_, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 5, IdempotencyKey: "k"})
		require.ErrorIs(t, err, entitlement.ErrCounterNotApplied)
		conserved()
	}

	e.users.broken.Store(false)
	res, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 5, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.EqualValues(t, 5, res.MemberSeatsExtra)
	conserved()

	again, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 5, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.GrantID, again.GrantID)
	assert.EqualValues(t, 5, again.MemberSeatsExtra)
	conserved()
}

func TestMemoryStoreIssueGrantIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "atomic@example.com")

	g := &entitlement.Grant{
		ID: uuid.New(), UserID: id, Counter: users.CounterOrganizations, Quantity: 2,
		Status: entitlement.GrantActive, ValidUntil: e.clock.Now().Add(time.Hour), IdempotencyKey: "org",
	}

	e.users.broken.Store(true)
	err := e.store.IssueGrant(ctx, g)
	require.ErrorIs(t, err, entitlement.ErrCounterNotApplied)
	_, ok := e.store.Get(g.ID)
	assert.False(t, ok)
	_, err = e.store.GetByKey(ctx, "org")
	assert.ErrorIs(t, err, entitlement.ErrGrantNotFound)

	e.users.broken.Store(false)
	require.NoError(t, e.store.IssueGrant(ctx, g))
	assert.ErrorIs(t, e.store.IssueGrant(ctx, g), entitlement.ErrDuplicateGrant)

	got, err := e.counters.Get(ctx, id, users.CounterOrganizations)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got, "the duplicate did not increment")

	orphan := &entitlement.Grant{ID: uuid.New(), UserID: uuid.New(), Counter: users.CounterMemberSeats, Quantity: 1, Status: entitlement.GrantActive}
	err = e.store.IssueGrant(ctx, orphan)
	assert.ErrorIs(t, err, users.ErrUserNotFound)
	_, ok = e.store.Get(orphan.ID)
	assert.False(t, ok, "a grant for an unknown user is never stored")
}

func TestSweepExpiresGrants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "sweep@example.com")

	short, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 5, ValidDays: 1})
	require.NoError(t, err)
	_, err = e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 2, ValidDays: 10})
	require.NoError(t, err)

	res, err := e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	e.clock.Advance(25 * time.Hour)
	res, err = e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	got, err := e.counters.Get(ctx, id, users.CounterMemberSeats)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)
	assert.Equal(t, e.store.SumActive(id, users.CounterMemberSeats), got)

	g, ok := e.store.Get(short.GrantID)
	require.True(t, ok)
	assert.Equal(t, entitlement.GrantExpired, g.Status)
	require.NotNil(t, g.ExpiredAt)

	res, err = e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "a grant expires exactly once")
}

func TestSweepLeavesFailedGrantActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "retry@example.com")

	res, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 3, ValidDays: 1})
	require.NoError(t, err)

	e.clock.Advance(48 * time.Hour)
	e.users.broken.Store(true)
	sweep, err := e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Failed)

	g, _ := e.store.Get(res.GrantID)
	assert.Equal(t, entitlement.GrantActive, g.Status)

	e.users.broken.Store(false)
	sweep, err = e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Processed)

	got, _ := e.counters.Get(ctx, id, users.CounterMemberSeats)
	assert.Zero(t, got)
}

func TestRevokeBySubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	id := e.newUser(t, "revoke@example.com")

	for _, order := range []string{"o1", "o2"} {
		_, err := e.grants.Issue(ctx, entitlement.IssueRequest{
			UserID: id, Quantity: 1, Gateway: "paddle", ExternalOrderID: order, ExternalSubscriptionID: "sub_addon",
		})
		require.NoError(t, err)
	}
	_, err := e.grants.Issue(ctx, entitlement.IssueRequest{UserID: id, Quantity: 3, Gateway: "paddle", ExternalOrderID: "o3"})
	require.NoError(t, err)

	n, err := e.grants.RevokeBySubscription(ctx, "paddle", "sub_addon")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := e.counters.Get(ctx, id, users.CounterMemberSeats)
	assert.EqualValues(t, 3, got)

	n, err = e.grants.RevokeBySubscription(ctx, "paddle", "sub_addon")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperHandler(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	h := e.sweeper.Handler()
	assert.Equal(t, entitlement.SweepTaskName, h.Name())
	assert.NoError(t, h.Handle(context.Background(), nil))
}
