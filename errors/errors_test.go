package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestNewf(t *testing.T) {
	err := Newf("error: %s %d", "test", 42)
	require.NotNil(t, err)
	assert.Equal(t, "error: test 42", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestSentinelIdentityThroughWrapping(t *testing.T) {
	err := Wrapf(ErrPoolTimeout, "acquiring capture slot for job %s", "J123")

	assert.True(t, Is(err, ErrPoolTimeout))
	assert.False(t, Is(err, ErrPoolClosed))
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("something else")))
	assert.True(t, IsNotFoundError(ErrNotFound))
	assert.True(t, IsNotFoundError(Wrap(ErrNotFound, "job lookup")))
}

func TestWithDetailPreservesChain(t *testing.T) {
	base := New("claim failed")
	detailed := WithDetail(base, "queue: screenshot")

	assert.True(t, Is(detailed, base))
	assert.Contains(t, detailed.Error(), "claim failed")
}
