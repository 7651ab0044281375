package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePassphraseRejectsShort(t *testing.T) {
	err := ValidatePassphrase("tooshort")
	require.Error(t, err)
}

func TestValidatePassphraseRejectsLowDiversity(t *testing.T) {
	err := ValidatePassphrase("aaaaaaaaaaaaaaaaaaaaaaaa")
	require.Error(t, err)
}

func TestValidatePassphraseAccepts(t *testing.T) {
	err := ValidatePassphrase("correct horse battery staple 1234")
	require.NoError(t, err)
}

func TestRotatePassphraseKeepsPrevious(t *testing.T) {
	InitializeBroker("initial passphrase with enough entropy 01")
	require.NoError(t, RotatePassphrase("rotated passphrase with enough entropy 02"))

	require.Equal(t, "rotated passphrase with enough entropy 02", CurrentPassphrase())
	prev, ok := PreviousPassphrase()
	require.True(t, ok)
	require.Equal(t, "initial passphrase with enough entropy 01", prev)
}

func TestRotatePassphraseRejectsWeakSecret(t *testing.T) {
	InitializeBroker("initial passphrase with enough entropy 01")
	err := RotatePassphrase("short")
	require.Error(t, err)
	require.Equal(t, "initial passphrase with enough entropy 01", CurrentPassphrase())
}

func TestGetEnvDefault(t *testing.T) {
	require.Equal(t, "fallback", getEnv("RELAYSESSION_CONFIG_TEST_UNSET", "fallback"))
}

func TestGetEnvInt64Default(t *testing.T) {
	require.Equal(t, int64(42), getEnvInt64("RELAYSESSION_CONFIG_TEST_UNSET_INT", 42))
}
