package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/propdesk/internal/database"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	return NewService(NewRepository(db), nil, zerolog.Nop())
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, token, err := s.Register(ctx, "Trader@Example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "trader@example.com", user.Email)
	assert.Len(t, token, 64)

	got, err := s.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, loginToken, err := s.Login(ctx, "trader@example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, token, loginToken)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, _, err := s.Register(ctx, "a@b.com", "hunter2hunter2")
	require.NoError(t, err)

	_, _, err = s.Register(ctx, "a@b.com", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLoginBadPassword(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, _, err := s.Register(ctx, "a@b.com", "hunter2hunter2")
	require.NoError(t, err)

	_, _, err = s.Login(ctx, "a@b.com", "wrong-password")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, _, err = s.Login(ctx, "nobody@b.com", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestValidateRejectsExpiredSession(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user, token, err := s.Register(ctx, "a@b.com", "hunter2hunter2")
	require.NoError(t, err)

	require.NoError(t, s.repo.db.Model(&database.Session{}).
		Where("token = ?", token).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	_, err = s.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrBadCredentials)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	_ = user
}

func TestLogoutInvalidatesToken(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, token, err := s.Register(ctx, "a@b.com", "hunter2hunter2")
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, token))

	_, err = s.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrBadCredentials)
}
