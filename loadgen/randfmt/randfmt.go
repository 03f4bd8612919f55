// Package randfmt provides the random-value and data-file utilities shared
// by the template engine: bounded-integer random, LDAP-DN-safe random
// strings, saturating wraparound counters, and flat data-file loading.
package randfmt

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
)

// quoteSet is the set of characters that must be back-quoted wherever they
// appear inside a value destined for a DN component, per §4.5.
const quoteSet = `=;,+"<>#`

// Int returns a pseudo-random integer in [lo, hi], inclusive. Panics if
// hi < lo, a caller-contract violation rather than a runtime condition.
func Int(lo, hi int) int {
	if hi < lo {
		panic(fmt.Sprintf("randfmt: Int: hi (%d) < lo (%d)", hi, lo))
	}
	if lo == hi {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

// dnSafeByte reports whether b may appear unescaped in a generated value,
// and whether it needs a backslash prefix. Control characters and non-ASCII
// bytes are never emitted by DNString; the generator resamples instead.
func dnSafeByte(b byte) (ok bool, quote bool) {
	if b < 0x20 || b >= 0x7f {
		return false, false
	}
	return true, strings.IndexByte(quoteSet, b) >= 0
}

// DNString returns a random printable-ASCII string that renders to exactly
// n octets once quoting is applied: no unquoted `= ; , + " < > #`, no
// trailing backslash or space, ASCII only.
//
// n counts rendered octets (including the backslash of any quoted
// character), matching the original's "declared length n must render
// exactly n octets" contract.
func DNString(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(n)
	for b.Len() < n {
		remaining := n - b.Len()
		c := byte(0x21 + rand.IntN(0x7e-0x21+1)) // printable, non-space ASCII
		ok, quote := dnSafeByte(c)
		if !ok {
			continue
		}
		cost := 1
		if quote {
			cost = 2
		}
		if cost > remaining {
			// would overshoot the exact length; resample for a
			// single-octet candidate instead of truncating mid-escape.
			continue
		}
		if quote {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return trimTrailingEscapeOrSpace(b.String(), n)
}

// trimTrailingEscapeOrSpace re-renders the final character if it would
// leave a trailing backslash or space, per §4.5's "trailing `\` or space is
// forbidden" rule. It preserves the exact requested length.
func trimTrailingEscapeOrSpace(s string, n int) string {
	for len(s) > 0 && (s[len(s)-1] == '\\' || s[len(s)-1] == ' ') {
		// replace the final rendered character (which may itself be a
		// 2-byte escape) with a fresh single-octet filler that never needs
		// quoting or is space.
		if len(s) >= 2 && s[len(s)-2] == '\\' {
			s = s[:len(s)-2] + "0"
		} else {
			s = s[:len(s)-1] + "0"
		}
	}
	if len(s) != n {
		// length drifted due to the filler substitution above; pad or trim
		// to restore the exact contract.
		if len(s) < n {
			s += strings.Repeat("0", n-len(s))
		} else {
			s = s[:n]
		}
	}
	return s
}

// Counter is a saturating increment-with-wrap source: values cycle through
// [lo, hi] and, unless noLoop is set, wrap back to lo after hi. With noLoop
// set, Next's second return value is false once the range is exhausted,
// signalling the caller (a worker) to terminate with exit status OK per
// §4.4.
type Counter struct {
	lo, hi  int
	noLoop  bool
	cur     int
	started bool
}

// NewCounter creates a counter over [lo, hi].
func NewCounter(lo, hi int, noLoop bool) *Counter {
	return &Counter{lo: lo, hi: hi, noLoop: noLoop}
}

// Next returns the next value and true, or the zero value and false if
// noLoop is set and the range is exhausted.
func (c *Counter) Next() (int, bool) {
	if !c.started {
		c.started = true
		c.cur = c.lo
		return c.cur, true
	}
	if c.cur >= c.hi {
		if c.noLoop {
			return 0, false
		}
		c.cur = c.lo
		return c.cur, true
	}
	c.cur++
	return c.cur, true
}

// DataFile is a flat, newline-delimited data file loaded once and indexed
// randomly or sequentially by the template engine's file-backed field
// kinds.
type DataFile struct {
	lines []string
}

// LoadDataFile reads path into memory, one record per non-empty line.
func LoadDataFile(path string) (*DataFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("randfmt: load data file %q: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("randfmt: load data file %q: %w", path, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("randfmt: data file %q has no records", path)
	}
	return &DataFile{lines: lines}, nil
}

// Len returns the record count.
func (d *DataFile) Len() int { return len(d.lines) }

// At returns the record at index i (must be in range).
func (d *DataFile) At(i int) string { return d.lines[i] }

// Random returns a uniformly-chosen random record.
func (d *DataFile) Random() string { return d.lines[rand.IntN(len(d.lines))] }
