package gcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "exports"})
	require.Error(t, err)

	_, err = Dial(context.Background(), Config{})
	require.Error(t, err)
}
