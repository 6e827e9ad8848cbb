package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"1Ki", KiB},
		{"4KiB", 4 * KiB},
		{"128Mi", 128 * MiB},
		{"1Gi", GiB},
		{"100MB", 100 * MB},
		{"2TB", 2 * TB},
		{"1.5Ki", 1536},
		{" 64 Mi ", 64 * MiB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, "Parse(%q)", tt.in)
		assert.Equal(t, tt.want, got, "Parse(%q)", tt.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "Mi", "12xx", "..", "1QiB"} {
		_, err := Parse(in)
		assert.Error(t, err, "Parse(%q)", in)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "128Mi", (128 * MiB).String())
	assert.Equal(t, "1Gi", GiB.String())
	assert.Equal(t, "1500", ByteSize(1500).String())
}

func TestRoundTripText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("2Gi")))
	assert.Equal(t, 2*GiB, b)

	text, err := b.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2Gi", string(text))
}
