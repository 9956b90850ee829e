package runtime

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cluster.yaml")
	rt, err := New([]string{"--new-cfg", path}, "cluster.yaml")
	require.NoError(t, err)
	assert.Equal(t, path, rt.generatedConfig)
	assert.NoError(t, rt.Run())

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node0", cfg.DefaultLeader)
}

func TestNewFlagErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	_, err := New([]string{"--new-cfg", path}, "cluster.yaml")
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
	}{
		{"neither", []string{"--config", path}},
		{"both", []string{"--config", path, "--as", "node0", "--host"}},
		{"standalone host", []string{"--config", path, "--host", "--standalone"}},
		{"missing config", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "--as", "node0"}},
		{"unknown flag", []string{"--bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.args, path)
			assert.Error(t, err)
		})
	}

	rt, err := New([]string{"--config", path, "--as", "node0", "--standalone"}, "")
	require.NoError(t, err)
	assert.True(t, rt.standalone)
	assert.NotEmpty(t, rt.GetRootApiKey())
}

func TestRunUnknownNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	_, err := New([]string{"--new-cfg", path}, "")
	require.NoError(t, err)

	rt, err := New([]string{"--config", path, "--as", "node9"}, "")
	require.NoError(t, err)
	rt.clusterCfg.TLS = config.TLS{}
	assert.ErrorContains(t, rt.Run(), "node9")
}

func TestGenerateSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "keys", "server.crt")
	keyPath := filepath.Join(dir, "keys", "server.key")
	nodes := map[string]config.Node{
		"node0": {HttpBinding: "10.0.0.5:7001", ClientDomain: "db.example.com"},
		"node1": {HttpBinding: "10.0.0.5:7003"},
	}

	require.NoError(t, generateSelfSigned(nodes, certPath, keyPath))

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"localhost", "db.example.com"}, cert.DNSNames)
	assert.Len(t, cert.IPAddresses, 3)
	assert.True(t, cert.IPAddresses[2].Equal(net.ParseIP("10.0.0.5")))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
