package template

import (
	"strings"
	"testing"

	"github.com/389ds/ldclt-nuncstans/loadgen/randfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseOpts() ParseOptions {
	return ParseOptions{
		LoadDataFile: func(path string) (*randfmt.DataFile, error) {
			return nil, assertNeverCalled{path}
		},
	}
}

type assertNeverCalled struct{ path string }

func (a assertNeverCalled) Error() string { return "unexpected data file load: " + a.path }

func TestParse_ConstantAndIncr(t *testing.T) {
	obj, err := Parse(strings.NewReader(`
# comment
cn: user[INCRN(0;9;3)]
sn: constant-value
`), parseOpts())
	require.NoError(t, err)
	require.Len(t, obj.Attributes, 2)

	vars := Vars{}
	v, err := Render(&obj.Attributes[0], vars)
	require.NoError(t, err)
	assert.Equal(t, "user000", v)

	v2, err := Render(&obj.Attributes[0], vars)
	require.NoError(t, err)
	assert.Equal(t, "user001", v2)

	v3, err := Render(&obj.Attributes[1], vars)
	require.NoError(t, err)
	assert.Equal(t, "constant-value", v3)
}

func TestParse_NoLoopExhaustion(t *testing.T) {
	obj, err := Parse(strings.NewReader(`uid: u[INCRNNOLOOP(0;1;0)]`), parseOpts())
	require.NoError(t, err)

	vars := Vars{}
	_, err = Render(&obj.Attributes[0], vars)
	require.NoError(t, err)
	_, err = Render(&obj.Attributes[0], vars)
	require.NoError(t, err)
	_, err = Render(&obj.Attributes[0], vars)
	require.ErrorIs(t, err, ErrNoLoopExhausted)
}

func TestParse_VariableSlot(t *testing.T) {
	obj, err := Parse(strings.NewReader(`
cn: [A=RNDS(5)]
mail: [A]@example.com
`), parseOpts())
	require.NoError(t, err)

	vars := Vars{}
	cn, err := Render(&obj.Attributes[0], vars)
	require.NoError(t, err)

	mail, err := Render(&obj.Attributes[1], vars)
	require.NoError(t, err)
	assert.Equal(t, cn+"@example.com", mail)
}

func TestParse_UnwrittenVariable(t *testing.T) {
	obj, err := Parse(strings.NewReader(`mail: [A]@example.com`), parseOpts())
	require.NoError(t, err)

	_, err = Render(&obj.Attributes[0], Vars{})
	require.ErrorIs(t, err, ErrUnwrittenVar)
}

func TestParse_RDNLine(t *testing.T) {
	obj, err := Parse(strings.NewReader(`
rdn: cn:user[INCRN(0;9;0)]
cn: x
`), parseOpts())
	require.NoError(t, err)
	require.NotNil(t, obj.RDN)
	assert.Len(t, obj.Attributes, 1)
}
