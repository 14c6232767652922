package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("KORE_TEST_STRING", "configured")
	require.Equal(t, "configured", GetEnv("KORE_TEST_STRING", "fallback"))
	require.Equal(t, "fallback", GetEnv("KORE_TEST_STRING_UNSET", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("KORE_TEST_INT", "42")
	require.Equal(t, 42, GetEnvInt("KORE_TEST_INT", 8))

	t.Setenv("KORE_TEST_INT", "not-a-number")
	require.Equal(t, 8, GetEnvInt("KORE_TEST_INT", 8))

	require.Equal(t, 8, GetEnvInt("KORE_TEST_INT_UNSET", 8))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("KORE_TEST_BOOL", "true")
	require.True(t, GetEnvBool("KORE_TEST_BOOL", false))

	t.Setenv("KORE_TEST_BOOL", "nope")
	require.True(t, GetEnvBool("KORE_TEST_BOOL", true))

	require.False(t, GetEnvBool("KORE_TEST_BOOL_UNSET", false))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("KORE_TEST_DURATION", "90s")
	require.Equal(t, 90*time.Second, GetEnvDuration("KORE_TEST_DURATION", time.Minute))

	t.Setenv("KORE_TEST_DURATION", "ninety seconds")
	require.Equal(t, time.Minute, GetEnvDuration("KORE_TEST_DURATION", time.Minute))

	require.Equal(t, time.Hour, GetEnvDuration("KORE_TEST_DURATION_UNSET", time.Hour))
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	require.Equal(t, logrus.DebugLevel, GetLogLevel())

	t.Setenv("LOG_LEVEL", "")
	require.Equal(t, logrus.InfoLevel, GetLogLevel())

	t.Setenv("LOG_LEVEL", "verbose")
	require.Equal(t, logrus.InfoLevel, GetLogLevel())
}
