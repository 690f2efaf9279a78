package qr

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"handoff/internal/exchange/models"
	dErrors "handoff/pkg/domain-errors"
)

func testInstance(now time.Time) *models.Instance {
	return &models.Instance{
		ID:          uuid.New(),
		ExchangeID:  uuid.New(),
		CaseID:      uuid.New(),
		ScheduledAt: now,
		WindowStart: now.Add(-15 * time.Minute),
		WindowEnd:   now.Add(15 * time.Minute),
	}
}

func TestIssueAndConfirmToken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())
	inst := testInstance(now)

	issued, err := svc.Issue(ctx, inst, now)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	require.Len(t, issued.Code, 6)
	require.Equal(t, now.Add(5*time.Minute), issued.ExpiresAt)

	require.NoError(t, svc.ConfirmToken(ctx, inst, issued.Token, now.Add(time.Minute)))
}

func TestIssueClampsExpiryToWindowEnd(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService("secret", time.Hour, NewInMemoryNonceStore())
	inst := testInstance(now)

	issued, err := svc.Issue(ctx, inst, now)
	require.NoError(t, err)
	require.True(t, issued.ExpiresAt.Equal(inst.WindowEnd))
}

// ttlRecordingStore captures the TTL passed to Save.
type ttlRecordingStore struct {
	*InMemoryNonceStore
	lastTTL time.Duration
}

func (s *ttlRecordingStore) Save(ctx context.Context, instanceID uuid.UUID, rec NonceRecord, ttl time.Duration) error {
	s.lastTTL = ttl
	return s.InMemoryNonceStore.Save(ctx, instanceID, rec, ttl)
}

func TestIssueAtWindowEndKeepsNonceExpiring(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	store := &ttlRecordingStore{InMemoryNonceStore: NewInMemoryNonceStore()}
	svc := NewService("secret", 5*time.Minute, store)
	inst := testInstance(now)

	// At exactly window_end the clamped expiry equals now; a zero TTL would
	// persist the redis key forever.
	issued, err := svc.Issue(ctx, inst, inst.WindowEnd)
	require.NoError(t, err)
	require.True(t, issued.ExpiresAt.Equal(inst.WindowEnd))
	require.Positive(t, store.lastTTL)
}

func TestIssueOutsideWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())
	inst := testInstance(now)

	_, err := svc.Issue(ctx, inst, inst.WindowStart.Add(-time.Second))
	require.Error(t, err)
	require.Equal(t, dErrors.CodeWindowClosed, dErrors.CodeOf(err))

	_, err = svc.Issue(ctx, inst, inst.WindowEnd.Add(time.Second))
	require.Error(t, err)
	require.Equal(t, dErrors.CodeWindowClosed, dErrors.CodeOf(err))
}

func TestConfirmTokenRejections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	t.Run("expired token", func(t *testing.T) {
		svc := NewService("secret", time.Minute, NewInMemoryNonceStore())
		inst := testInstance(now)
		issued, err := svc.Issue(ctx, inst, now)
		require.NoError(t, err)

		err = svc.ConfirmToken(ctx, inst, issued.Token, now.Add(2*time.Minute))
		require.Error(t, err)
		require.Equal(t, dErrors.CodeTokenInvalid, dErrors.CodeOf(err))
	})

	t.Run("token bound to another instance", func(t *testing.T) {
		svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())
		inst := testInstance(now)
		other := testInstance(now)
		issued, err := svc.Issue(ctx, inst, now)
		require.NoError(t, err)

		err = svc.ConfirmToken(ctx, other, issued.Token, now)
		require.Error(t, err)
		require.Equal(t, dErrors.CodeTokenInvalid, dErrors.CodeOf(err))
	})

	t.Run("token signed with another key", func(t *testing.T) {
		svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())
		evil := NewService("other-secret", 5*time.Minute, NewInMemoryNonceStore())
		inst := testInstance(now)
		issued, err := evil.Issue(ctx, inst, now)
		require.NoError(t, err)

		err = svc.ConfirmToken(ctx, inst, issued.Token, now)
		require.Error(t, err)
		require.Equal(t, dErrors.CodeTokenInvalid, dErrors.CodeOf(err))
	})

	t.Run("superseded by re-issue", func(t *testing.T) {
		svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())
		inst := testInstance(now)
		old, err := svc.Issue(ctx, inst, now)
		require.NoError(t, err)
		_, err = svc.Issue(ctx, inst, now.Add(time.Minute))
		require.NoError(t, err)

		err = svc.ConfirmToken(ctx, inst, old.Token, now.Add(2*time.Minute))
		require.Error(t, err)
		require.Equal(t, dErrors.CodeTokenInvalid, dErrors.CodeOf(err))
	})

	t.Run("confirmation outside window", func(t *testing.T) {
		svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())
		inst := testInstance(now)
		issued, err := svc.Issue(ctx, inst, now)
		require.NoError(t, err)

		err = svc.ConfirmToken(ctx, inst, issued.Token, inst.WindowEnd.Add(time.Second))
		require.Error(t, err)
		require.Equal(t, dErrors.CodeWindowClosed, dErrors.CodeOf(err))
	})
}

func TestConfirmCode(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())
	inst := testInstance(now)

	issued, err := svc.Issue(ctx, inst, now)
	require.NoError(t, err)

	require.NoError(t, svc.ConfirmCode(ctx, inst, issued.Code, now))

	err = svc.ConfirmCode(ctx, inst, "000000", now)
	require.Error(t, err)
	require.Equal(t, dErrors.CodeTokenInvalid, dErrors.CodeOf(err))
}

func TestConfirmCodeWithoutIssue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	svc := NewService("secret", 5*time.Minute, NewInMemoryNonceStore())

	err := svc.ConfirmCode(ctx, testInstance(now), "123456", now)
	require.Error(t, err)
	require.Equal(t, dErrors.CodeTokenInvalid, dErrors.CodeOf(err))
}

func TestNonceExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	store := NewInMemoryNonceStore().WithNow(func() time.Time { return clock })

	id := uuid.New()
	require.NoError(t, store.Save(ctx, id, NonceRecord{JTI: "a"}, time.Minute))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)

	clock = clock.Add(2 * time.Minute)
	rec, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestGenerateCode(t *testing.T) {
	for range 20 {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
	}
}
