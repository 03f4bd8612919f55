package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/389ds/ldclt-nuncstans/loadgen"
	"github.com/389ds/ldclt-nuncstans/loadgen/template"
)

func TestPerWorkerTotal_SplitsRemainderToLowestIDs(t *testing.T) {
	cfg := &loadgen.Config{TotalOps: 10, Threads: 3}

	assert.EqualValues(t, 4, perWorkerTotal(cfg, 0))
	assert.EqualValues(t, 3, perWorkerTotal(cfg, 1))
	assert.EqualValues(t, 3, perWorkerTotal(cfg, 2))
}

func TestPerWorkerTotal_ZeroMeansUnbounded(t *testing.T) {
	cfg := &loadgen.Config{TotalOps: 0, Threads: 4}
	assert.EqualValues(t, 0, perWorkerTotal(cfg, 0))
}

func TestModifyAttrName_PrefersExplicitAttrReplace(t *testing.T) {
	cfg := &loadgen.Config{}
	cfg.E.AttrReplaceName = "description"
	assert.Equal(t, "description", modifyAttrName(cfg, nil))
}

func TestModifyAttrName_FallsBackToObjectFirstAttribute(t *testing.T) {
	cfg := &loadgen.Config{}
	obj := &template.Object{Attributes: []template.Attribute{{Name: "cn"}, {Name: "sn"}}}
	assert.Equal(t, "cn", modifyAttrName(cfg, obj))
}

func TestModifyAttrName_EmptyWhenNeitherAvailable(t *testing.T) {
	cfg := &loadgen.Config{}
	assert.Equal(t, "", modifyAttrName(cfg, nil))
}

func TestBuildURL_SelectsSchemeFromCertFile(t *testing.T) {
	plain := &loadgen.Config{Host: "dir.example.com", Port: 389}
	assert.Equal(t, "ldap://dir.example.com:389", buildURL(plain))

	tls := &loadgen.Config{Host: "dir.example.com", Port: 636, CertFile: "/etc/ldclt/cert.pem"}
	assert.Equal(t, "ldaps://dir.example.com:636", buildURL(tls))
}

func TestBuildBindConfig_CarriesCredentialsAndSASL(t *testing.T) {
	cfg := &loadgen.Config{BindDN: "cn=admin", Password: "secret"}
	cfg.E.BindEach = true
	cfg.SASL.Mech = "DIGEST-MD5"
	cfg.SASL.Realm = "example.com"
	cfg.SASL.AuthzID = "u:admin"
	cfg.SASL.AuthID = "admin"

	bc := buildBindConfig(cfg)

	assert.Equal(t, "cn=admin", bc.BindDN)
	assert.Equal(t, "secret", bc.Password)
	assert.True(t, bc.BindEach)
	require.NotNil(t, bc.SASL)
	assert.Equal(t, "DIGEST-MD5", bc.SASL.Mechanism)
	assert.Equal(t, "example.com", bc.SASL.Realm)
}

func TestLoadRandomBindFile_ParsesTabSeparatedRecords(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "randombind")
	require.NoError(t, err)
	_, err = f.WriteString("cn=user1,dc=example\tpw1\ncn=user2,dc=example\tpw2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := loadRandomBindFile(f.Name())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cn=user1,dc=example", entries[0].DN)
	assert.Equal(t, "pw1", entries[0].Password)
	assert.Equal(t, "cn=user2,dc=example", entries[1].DN)
	assert.Equal(t, "pw2", entries[1].Password)
}

func TestLoadRandomBindFile_RejectsMalformedLine(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "randombind")
	require.NoError(t, err)
	_, err = f.WriteString("not-a-tab-separated-line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = loadRandomBindFile(f.Name())
	assert.Error(t, err)
}

func TestLoadRandomBindFile_RejectsEmptyFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "randombind")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = loadRandomBindFile(f.Name())
	assert.Error(t, err)
}
