package testutils

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/phrazzld/taskqueue/internal/auth"
	"github.com/phrazzld/taskqueue/internal/config"
	"github.com/stretchr/testify/require"
)

// TestJWTSecret is the signing secret used by NewTestJWTService.
const TestJWTSecret = "test-jwt-secret-that-is-at-least-32-chars"

// NewTestJWTService returns a JWTService signing with TestJWTSecret.
func NewTestJWTService(t testing.TB) *auth.JWTService {
	t.Helper()
	svc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: TestJWTSecret})
	require.NoError(t, err)
	return svc
}

// AuthHeader returns an Authorization header value for subject, valid for an
// hour.
func AuthHeader(t testing.TB, svc *auth.JWTService, subject string) string {
	t.Helper()
	token, err := svc.GenerateToken(context.Background(), subject, time.Hour)
	require.NoError(t, err)
	return fmt.Sprintf("Bearer %s", token)
}
