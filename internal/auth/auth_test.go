package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yadcc-go/yadcc/internal/auth"
)

func TestTokenVerifierRecognizesConfiguredTokens(t *testing.T) {
	v := auth.NewTokenVerifier([]string{"alpha", "beta"})
	require.True(t, v.Verify("alpha"))
	require.True(t, v.Verify("beta"))
	require.False(t, v.Verify("gamma"))
}

func TestTokenVerifierZeroValueRejectsEverything(t *testing.T) {
	var v *auth.TokenVerifier
	require.False(t, v.Verify(""))
	require.False(t, v.Verify("anything"))
}

func TestServingDaemonTokenRotatorCurrentTokenVerifies(t *testing.T) {
	r, err := auth.NewServingDaemonTokenRotator([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	current := r.CurrentToken()
	require.True(t, r.Verify(current))
	require.False(t, r.Verify("not-a-real-token"))
}

func TestServingDaemonTokenRotatorRollsOutOnSchedule(t *testing.T) {
	r, err := auth.NewServingDaemonTokenRotator([]byte("test-secret"), time.Millisecond)
	require.NoError(t, err)

	before := r.ActiveTokens()
	time.Sleep(5 * time.Millisecond)
	after := r.ActiveTokens()

	require.NotEqual(t, before, after)
	// The newest token from the old window should have slid into the
	// active-but-not-newest slot rather than being dropped outright.
	require.Contains(t, after, before[2])
}
