package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/taskqueue/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-for-testing"

var fixedTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, secret string, now time.Time) *JWTService {
	t.Helper()
	svc, err := NewJWTService(config.AuthConfig{JWTSecret: secret},
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return svc
}

func TestNewJWTService_RejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewJWTService(config.AuthConfig{JWTSecret: "short"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32")
}

func TestGenerateAndValidate(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, testSecret, fixedTime)
	token, err := svc.GenerateToken(context.Background(), "scheduler", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", claims.Subject)
	assert.Equal(t, fixedTime.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, fixedTime.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	assert.NotEmpty(t, claims.ID)
}

func TestValidateToken(t *testing.T) {
	t.Parallel()

	gen := newTestService(t, testSecret, fixedTime)
	valid, err := gen.GenerateToken(context.Background(), "ops", time.Hour)
	require.NoError(t, err)
	noSubject, err := gen.GenerateToken(context.Background(), "", time.Hour)
	require.NoError(t, err)

	other := newTestService(t, "wrong-secret-that-is-long-enough-for-testing", fixedTime)
	wrongKey, err := other.GenerateToken(context.Background(), "ops", time.Hour)
	require.NoError(t, err)

	future := newTestService(t, testSecret, fixedTime.Add(time.Hour))
	notYet, err := future.GenerateToken(context.Background(), "ops", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(fixedTime.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		now     time.Time
		token   string
		wantErr error
	}{
		{"valid", fixedTime, valid, nil},
		{"within skew after expiry", fixedTime.Add(time.Hour + time.Minute), valid, nil},
		{"expired", fixedTime.Add(2 * time.Hour), valid, ErrExpiredToken},
		{"not yet valid", fixedTime, notYet, ErrTokenNotYetValid},
		{"wrong key", fixedTime, wrongKey, ErrInvalidToken},
		{"malformed", fixedTime, "not.a.token", ErrInvalidToken},
		{"alg none", fixedTime, none, ErrInvalidToken},
		{"missing subject", fixedTime, noSubject, ErrMissingSubject},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := newTestService(t, testSecret, tc.now)
			claims, err := svc.ValidateToken(context.Background(), tc.token)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ops", claims.Subject)
		})
	}
}
