package cert

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureGeneratesChain(t *testing.T) {
	dir := t.TempDir()
	caCert := filepath.Join(dir, "ca.crt")
	caKey := filepath.Join(dir, "ca.key")
	srvCert := filepath.Join(dir, "server.crt")
	srvKey := filepath.Join(dir, "server.key")

	_, err := Ensure(caCert, caKey, srvCert, srvKey, &Options{
		DomainNames: []string{"dataplane.overcast.test"},
	})
	require.NoError(t, err)

	for _, path := range []string{caCert, caKey, srvCert, srvKey} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}

	ca := parseCert(t, caCert)
	assert.True(t, ca.IsCA)

	server := parseCert(t, srvCert)
	assert.Contains(t, server.DNSNames, "dataplane.overcast.test")

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err = server.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err, "server cert must chain to the generated CA")
}

func TestEnsureKeepsExistingMaterial(t *testing.T) {
	dir := t.TempDir()
	caCert := filepath.Join(dir, "ca.crt")
	caKey := filepath.Join(dir, "ca.key")
	srvCert := filepath.Join(dir, "server.crt")
	srvKey := filepath.Join(dir, "server.key")

	_, err := Ensure(caCert, caKey, srvCert, srvKey, nil)
	require.NoError(t, err)

	before, err := os.ReadFile(srvCert)
	require.NoError(t, err)

	_, err = Ensure(caCert, caKey, srvCert, srvKey, nil)
	require.NoError(t, err)

	after, err := os.ReadFile(srvCert)
	require.NoError(t, err)
	assert.Equal(t, before, after, "existing certificates must not be regenerated")
}

func parseCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}
