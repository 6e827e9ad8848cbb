package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/skystream/pkg/skynet"
)

const testSkylink = skynet.Skylink("AACyo5uZ3KS0i3vmJFrYAz4a_eNBKYBRzfh8dF4PpXS25g")

func TestCachePutGet(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get(testSkylink)
	assert.False(t, ok)

	block := []byte("block contents")
	c.Put(testSkylink, block)

	got, ok := c.Get(testSkylink)
	require.True(t, ok)
	assert.Equal(t, block, got)
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir)
	require.NoError(t, err)
	c.Put(testSkylink, []byte("durable"))
	require.NoError(t, c.Close())

	c, err = Open(dir)
	require.NoError(t, err)
	defer c.Close()

	got, ok := c.Get(testSkylink)
	require.True(t, ok)
	assert.Equal(t, []byte("durable"), got)
}
