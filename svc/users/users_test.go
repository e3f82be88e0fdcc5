package users_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/svc/users"
)

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: " John@Example.COM ", want: "john@example.com"},
		{in: "a@b", want: "a@b"},
		{in: "", wantErr: true},
		{in: "no-at-sign", wantErr: true},
		{in: "@example.com", wantErr: true},
		{in: "user@", wantErr: true},
		{in: "us er@example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := users.NormalizeEmail(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, users.ErrInvalidEmail)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("create and lookup", func(t *testing.T) {
		t.Parallel()
		s := users.NewMemoryStore()
		u := &users.User{Email: "a@example.com", Metadata: map[string]string{"plan_slug": "pro"}}
		require.NoError(t, s.Create(ctx, u))
		assert.NotEqual(t, uuid.Nil, u.ID)

		got, err := s.GetByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "pro", got.Metadata["plan_slug"])

		got.Metadata["plan_slug"] = "mutated"
		again, err := s.GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "pro", again.Metadata["plan_slug"])

		assert.ErrorIs(t, s.Create(ctx, &users.User{Email: "a@example.com"}), users.ErrEmailTaken)
		_, err = s.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, users.ErrUserNotFound)
	})

	t.Run("counters never go negative", func(t *testing.T) {
		t.Parallel()
		s := users.NewMemoryStore()
		u := &users.User{Email: "c@example.com"}
		require.NoError(t, s.Create(ctx, u))

		v, err := s.IncrementCounter(ctx, u.ID, users.CounterMemberSeats, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)

		v, err = s.IncrementCounter(ctx, u.ID, users.CounterMemberSeats, -10)
		require.NoError(t, err)
		assert.Equal(t, int64(0), v)

		_, err = s.IncrementCounter(ctx, u.ID, users.Counter("plan_id"), 1)
		assert.ErrorIs(t, err, users.ErrInvalidCounter)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		t.Parallel()
		s := users.NewMemoryStore()
		u := &users.User{Email: "d@example.com"}
		require.NoError(t, s.Create(ctx, u))

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.IncrementCounter(ctx, u.ID, users.CounterOrganizations, 1)
			}()
		}
		wg.Wait()

		got, err := s.GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(50), got.Counter(users.CounterOrganizations))
	})

	t.Run("set plan", func(t *testing.T) {
		t.Parallel()
		s := users.NewMemoryStore()
		u := &users.User{Email: "e@example.com"}
		require.NoError(t, s.Create(ctx, u))
		require.NoError(t, s.SetPlan(ctx, u.ID, "pro"))
		got, err := s.GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "pro", got.PlanID)
		assert.ErrorIs(t, s.SetPlan(ctx, uuid.New(), "pro"), users.ErrUserNotFound)
	})
}
