package scalab01

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModemPool_BoundedAcquire(t *testing.T) {
	p := NewModemPool(2)
	require.True(t, p.TryAcquire())
	require.True(t, p.TryAcquire())
	require.False(t, p.TryAcquire())

	p.Release()
	require.True(t, p.TryAcquire())
}

func TestDNLock_MutualExclusion(t *testing.T) {
	d := NewDNLock()
	require.True(t, d.TryLock("cn=a"))
	require.False(t, d.TryLock("cn=a"))
	d.Unlock("cn=a")
	require.True(t, d.TryLock("cn=a"))
}

func TestController_TickExpiresInOrder(t *testing.T) {
	c := NewController()
	c.Insert("cn=a", 1, 3)
	c.Insert("cn=b", 2, 1)
	c.Insert("cn=c", 3, 2)

	var expired []string
	for i := 0; i < 3; i++ {
		for _, s := range c.Tick() {
			expired = append(expired, s.DN)
		}
	}

	assert.Equal(t, []string{"cn=b", "cn=c", "cn=a"}, expired)
}

type fakeAttrs struct {
	values map[string]map[string]string
}

func (f *fakeAttrs) ReadAttr(dn, attr string) (string, error) {
	return f.values[dn][attr], nil
}

func (f *fakeAttrs) WriteAttr(dn, attr, value string) error {
	if f.values[dn] == nil {
		f.values[dn] = map[string]string{}
	}
	f.values[dn][attr] = value
	return nil
}

func TestSettle_AccumulatesCostAndClearsLock(t *testing.T) {
	attrs := &fakeAttrs{values: map[string]map[string]string{
		"cn=a": {"accounting": "10", "lock": "TRUE"},
	}}
	modems := NewModemPool(1)
	require.True(t, modems.TryAcquire())

	err := Settle(attrs, modems, &Session{DN: "cn=a", Cost: 5}, "accounting", "lock")
	require.NoError(t, err)

	assert.Equal(t, "15", attrs.values["cn=a"]["accounting"])
	assert.Equal(t, "FALSE", attrs.values["cn=a"]["lock"])
	require.True(t, modems.TryAcquire()) // slot was released by Settle
}
