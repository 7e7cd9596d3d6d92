package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 8; attempt++ {
		d := b.Delay(attempt)
		ceiling := 100 * time.Millisecond << attempt
		if ceiling > time.Second {
			ceiling = time.Second
		}
		require.GreaterOrEqual(t, d, ceiling/2, "attempt %d", attempt)
		require.Less(t, d, ceiling, "attempt %d", attempt)
	}
}

func TestExponentialBackoff_Defaults(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(0, 0)
	d := b.Delay(-3)
	require.GreaterOrEqual(t, d, 125*time.Millisecond)
	require.Less(t, d, 250*time.Millisecond)
}
