package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realartists/shiphub-sync/internal/api"
)

func testCache() *Cache {
	return NewCache(func(token string) *api.Client {
		return api.NewClient(token)
	})
}

func TestPoolDropsBlankTokens(t *testing.T) {
	pool, err := NewPool(testCache(), []string{"", "tok_a", "", "tok_b"})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())
}

func TestPoolDeduplicatesTokens(t *testing.T) {
	pool, err := NewPool(testCache(), []string{"tok_a", "tok_a", "tok_a"})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Size())
}

func TestPoolNoCredentials(t *testing.T) {
	_, err := NewPool(testCache(), nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	// A candidate set of only blank tokens counts as none at all.
	_, err = NewPool(testCache(), []string{"", "", ""})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCacheSharesClients(t *testing.T) {
	cache := testCache()
	a, err := NewPool(cache, []string{"tok_a"})
	require.NoError(t, err)
	b, err := NewPool(cache, []string{"tok_a", "tok_b"})
	require.NoError(t, err)

	// Pools spanning the same token share one client, so rate-limit
	// state is observed once per credential.
	assert.Same(t, a.Client(), cache.Client("tok_a"))
	assert.Equal(t, 2, b.Size())
}

func TestPoolPicker(t *testing.T) {
	cache := testCache()
	pool, err := NewPool(cache, []string{"tok_a", "tok_b", "tok_c"}, WithPicker(func(n int) int {
		require.Equal(t, 3, n)
		return 1
	}))
	require.NoError(t, err)
	assert.Same(t, cache.Client("tok_b"), pool.Client())
}
