package lpceerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndIs(t *testing.T) {
	require := require.New(t)

	err := New(PoolNotFound, "pool %s missing", "p1")
	require.True(Is(err, PoolNotFound))
	require.False(Is(err, PoolPaused))
	require.Equal(PoolNotFound, KindOf(err))
	require.Equal(`PoolNotFound: pool p1 missing`, err.Error())
}

func TestWrap_UnwrapsCause(t *testing.T) {
	require := require.New(t)

	cause := errors.New("connection refused")
	err := Wrap(StoreUnavailable, cause, "read pool %s", "p1")

	require.ErrorIs(err, cause)
	require.Contains(err.Error(), "connection refused")
}

func TestWithAlternatives_CapsAtThree(t *testing.T) {
	require := require.New(t)

	err := New(PoolNotFound, "no candidate").WithAlternatives([]Alternative{
		{PoolID: "p1"}, {PoolID: "p2"}, {PoolID: "p3"}, {PoolID: "p4"},
	})
	require.Len(err.Alternatives, 3)
}

func TestIsRetryable(t *testing.T) {
	require := require.New(t)

	require.True(IsRetryable(New(ConcurrentMutation, "conflict")))
	require.True(IsRetryable(New(LockUnavailable, "busy")))
	require.False(IsRetryable(New(ValidationError, "bad input")))
	require.False(IsRetryable(errors.New("plain error")))
}

func TestIsFatal(t *testing.T) {
	require := require.New(t)

	require.True(IsFatal(New(InvariantViolation, "I1 broken")))
	require.False(IsFatal(New(ConcurrentMutation, "conflict")))
}

func TestKindOf_NonLpceError(t *testing.T) {
	require := require.New(t)
	require.Equal(Kind(""), KindOf(errors.New("plain")))
}
