package objectstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

// Sessions record which backend holds their objects, so each store must
// report the provider constant it was registered under.
func TestProviderIdentity(t *testing.T) {
	require.Equal(t, domain.ProviderS3, (&S3Store{}).Provider())
	require.Equal(t, domain.ProviderMinIO, (&MinioStore{}).Provider())
}

func TestOrderParts(t *testing.T) {
	t.Run("sorts by ordinal", func(t *testing.T) {
		ordered, err := orderParts([]Part{
			{Ordinal: 2, Token: "c"},
			{Ordinal: 0, Token: "a"},
			{Ordinal: 1, Token: "b"},
		})
		require.NoError(t, err)
		require.Equal(t, []Part{{Ordinal: 0, Token: "a"}, {Ordinal: 1, Token: "b"}, {Ordinal: 2, Token: "c"}}, ordered)
	})

	cases := []struct {
		name  string
		parts []Part
		want  string
	}{
		{name: "empty list", parts: nil, want: "empty part list"},
		{name: "gap", parts: []Part{{Ordinal: 0, Token: "a"}, {Ordinal: 2, Token: "c"}}, want: "does not cover ordinal 1"},
		{name: "duplicate ordinal", parts: []Part{{Ordinal: 0, Token: "a"}, {Ordinal: 0, Token: "a2"}}, want: "does not cover ordinal 1"},
		{name: "missing first", parts: []Part{{Ordinal: 1, Token: "b"}}, want: "does not cover ordinal 0"},
		{name: "missing token", parts: []Part{{Ordinal: 0, Token: ""}}, want: "part 0 has no token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orderParts(tc.parts)
			require.Error(t, err)
			require.True(t, IsPermanent(err))
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	tr := Transient(base)
	require.True(t, IsTransient(tr))
	require.False(t, IsPermanent(tr))
	require.ErrorIs(t, tr, base)

	pe := Permanent(base)
	require.True(t, IsPermanent(pe))
	require.False(t, IsTransient(pe))

	// Classification survives further wrapping up the call stack.
	wrapped := fmt.Errorf("complete multipart: %w", tr)
	require.True(t, IsTransient(wrapped))

	require.Nil(t, Transient(nil))
	require.Nil(t, Permanent(nil))
}

func TestRetryTransient(t *testing.T) {
	ctx := context.Background()

	t.Run("first try succeeds", func(t *testing.T) {
		calls := 0
		err := retryTransient(ctx, 3, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		calls := 0
		err := retryTransient(ctx, 3, func() error {
			calls++
			return Permanent(errors.New("access denied"))
		})
		require.Error(t, err)
		require.True(t, IsPermanent(err))
		require.Equal(t, 1, calls)
	})

	t.Run("transient retries until success", func(t *testing.T) {
		calls := 0
		err := retryTransient(ctx, 3, func() error {
			calls++
			if calls == 1 {
				return Transient(errors.New("throttled"))
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := retryTransient(cancelled, 3, func() error {
			calls++
			return Transient(errors.New("throttled"))
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}
