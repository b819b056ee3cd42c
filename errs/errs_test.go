package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapsToSentinel(t *testing.T) {
	sentinel := errors.New("boom")
	err := Wrap(EHashMismatch, "hash check failed", sentinel)
	require.True(t, errors.Is(err, sentinel))
}

func TestErrorStringIncludesCodeAndDetail(t *testing.T) {
	err := New(EKeyRetired, "key is retired").WithDetail("owner=company version=1")
	require.Contains(t, err.Error(), string(EKeyRetired))
	require.Contains(t, err.Error(), "owner=company version=1")
}

func TestErrorStringWithoutDetail(t *testing.T) {
	err := New(EBackendUnknown, "unknown backend")
	require.Equal(t, "E-BACKEND-UNKNOWN: unknown backend", err.Error())
}
