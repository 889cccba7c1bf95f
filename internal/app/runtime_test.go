package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestModeFollowsEnvironment(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "")
	require.True(t, InTestMode(), "flag is cached until refreshed")
	RefreshTestMode()
	require.False(t, InTestMode())
}
