package randfmt

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every generated value is ASCII, has no unquoted special character, no
// trailing backslash or space, and renders exactly the requested length.
func TestDNString_Safety(t *testing.T) {
	for n := 1; n <= 40; n++ {
		s := DNString(n)
		require.Len(t, s, n, "length for n=%d", n)

		assert.False(t, strings.HasSuffix(s, "\\"), "trailing backslash, n=%d: %q", n, s)
		assert.False(t, strings.HasSuffix(s, " "), "trailing space, n=%d: %q", n, s)

		for i := 0; i < len(s); i++ {
			c := s[i]
			require.Less(t, c, byte(0x80), "non-ASCII byte in %q", s)
			if strings.IndexByte(quoteSet, c) >= 0 {
				require.Greater(t, i, 0, "unescaped special at start: %q", s)
				assert.Equal(t, byte('\\'), s[i-1], "unescaped special %q in %q", string(c), s)
			}
		}
	}
}

func TestInt_Bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := Int(5, 5)
		assert.Equal(t, 5, v)
	}
	for i := 0; i < 1000; i++ {
		v := Int(0, 3)
		assert.GreaterOrEqual(t, v, 0)
		assert.LessOrEqual(t, v, 3)
	}
}

func TestCounter_WrapsByDefault(t *testing.T) {
	c := NewCounter(8, 10, false)
	var got []int
	for i := 0; i < 7; i++ {
		v, ok := c.Next()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []int{8, 9, 10, 8, 9, 10, 8}, got)
}

func TestCounter_NoLoopTerminates(t *testing.T) {
	c := NewCounter(0, 2, true)
	var got []int
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestLoadDataFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/data.txt"
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\n\ngamma\n"), 0o644))

	df, err := LoadDataFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, df.Len())
	assert.Equal(t, "alpha", df.At(0))
	assert.Equal(t, "gamma", df.At(2))
}
