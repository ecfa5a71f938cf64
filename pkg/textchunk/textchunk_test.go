package textchunk

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonical(t *testing.T) {
	c, err := Parse("BTX:1/2:01000000AB\n")
	require.NoError(t, err)
	assert.Equal(t, Chunk{Index: 1, Total: 2, HexPayload: "01000000ab"}, c)
	assert.False(t, c.Raw())
}

func TestParseLegacyOrdering(t *testing.T) {
	c, err := Parse("BTX:3:2:deadbeef")
	require.NoError(t, err)
	assert.Equal(t, Chunk{Index: 2, Total: 3, HexPayload: "deadbeef"}, c)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		line string
		err  error
	}{
		{"hello mesh", ErrNotApplicable},
		{"btx:1/2:00", ErrNotApplicable},
		{"BTX:1/2", ErrMalformed},
		{"BTX:a/2:00", ErrMalformed},
		{"BTX:1/b:00", ErrMalformed},
		{"BTX:1/-2:00", ErrMalformed},
		{"BTX:/2:00", ErrMalformed},
		{"BTX:0/2:00", ErrMalformed},
		{"BTX:3/2:00", ErrMalformed},
		{"BTX:2:00", ErrMalformed},
		{"BTX:ACK:4a5e1e4b", ErrMalformed},
		{"BTX:1/2:zz", ErrInvalidHex},
		{"BTX:1/2:abc", ErrInvalidHex},
		{"BTX:1/2:", ErrInvalidHex},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			_, err := Parse(tc.line)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.err), err.Error())
		})
	}
}

func TestParseRaw(t *testing.T) {
	c, err := ParseRaw("  0100000001ab \r\n")
	require.NoError(t, err)
	assert.True(t, c.Raw())
	assert.Equal(t, "0100000001ab", c.HexPayload)

	for _, line := range []string{"", "BTX:1/1:00", "not hex", "abc"} {
		_, err := ParseRaw(line)
		assert.Equal(t, ErrNotApplicable, err, line)
	}
}

func TestSplitRoundTrip(t *testing.T) {
	txHex := strings.Repeat("ab", 200)
	lines := Split(txHex, TextChunkSize)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "BTX:1/3:"))
	assert.True(t, strings.HasPrefix(lines[2], "BTX:3/3:"))

	var sb strings.Builder
	for i, line := range lines {
		c, err := Parse(line)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), c.Index)
		assert.Equal(t, uint32(3), c.Total)
		sb.WriteString(c.HexPayload)
	}
	assert.Equal(t, txHex, sb.String())
}

func TestSplitOddSize(t *testing.T) {
	lines := Split("aabbcc", 3)
	assert.Equal(t, []string{"BTX:1/3:aa", "BTX:2/3:bb", "BTX:3/3:cc"}, lines)
}

func TestFeedbackLines(t *testing.T) {
	assert.Equal(t, "BTX:ACK:ff00", Ack("ff00"))
	assert.Equal(t, "BTX:ERR:timeout", Nack("timeout"))

	_, err := Parse(Nack("timeout"))
	assert.True(t, errors.Is(err, ErrMalformed))
}
