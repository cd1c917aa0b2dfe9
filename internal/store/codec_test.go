package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	in := testPost(9, 3, 0)
	in.RepliedFrom = []uint64{10, 11}

	blob, err := c.marshal(in)
	require.NoError(t, err)

	var out = testPost(0, 0, 0)
	require.NoError(t, c.unmarshal(blob, &out))
	assert.Equal(t, in, out)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	var out struct{}
	assert.Error(t, c.unmarshal([]byte("not zstd"), &out))
}
