package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const rsaKeyBits = 4096

// Bootstrap ensures a CA and a server keypair exist on disk for the gRPC
// data plane. Deployments with their own PKI just point the TLS config at
// existing files and never call this; it exists so a dev or single-box
// install can turn TLS on without ceremony.
type Bootstrap struct {
	CaCertPath     string
	CaKeyPath      string
	ServerCertPath string
	ServerKeyPath  string
	DomainNames    []string
	IPAddresses    []net.IP
}

type Options struct {
	DomainNames []string
	IPAddresses []net.IP
}

// Ensure creates any missing certificate material and returns the
// bootstrap. Existing files are left untouched.
func Ensure(caCertPath, caKeyPath, serverCertPath, serverKeyPath string, opts *Options) (*Bootstrap, error) {
	b := &Bootstrap{
		CaCertPath:     caCertPath,
		CaKeyPath:      caKeyPath,
		ServerCertPath: serverCertPath,
		ServerKeyPath:  serverKeyPath,
	}

	if opts != nil {
		b.DomainNames = opts.DomainNames
		b.IPAddresses = opts.IPAddresses
	}
	if len(b.DomainNames) == 0 {
		b.DomainNames = []string{"localhost"}
	}
	if len(b.IPAddresses) == 0 {
		b.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	if err := b.ensureCertificates(); err != nil {
		return nil, fmt.Errorf("failed to ensure certificates: %w", err)
	}
	return b, nil
}

func (b *Bootstrap) ensureCertificates() error {
	var caCert *x509.Certificate
	var caKey *rsa.PrivateKey

	if !fileExists(b.CaCertPath) || !fileExists(b.CaKeyPath) {
		slog.Info("CA certificate not found, generating new CA", "cert_path", b.CaCertPath)

		var err error
		caCert, caKey, err = generateCA()
		if err != nil {
			return fmt.Errorf("failed to generate CA certificate: %w", err)
		}

		if err := writePair(caCert, caKey, b.CaCertPath, b.CaKeyPath); err != nil {
			return err
		}
		slog.Info("Generated CA certificate", "cert_path", b.CaCertPath, "key_path", b.CaKeyPath)
	} else {
		slog.Debug("Using existing CA certificate", "cert_path", b.CaCertPath)

		var err error
		caCert, caKey, err = loadCA(b.CaCertPath, b.CaKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
	}

	if !fileExists(b.ServerCertPath) || !fileExists(b.ServerKeyPath) {
		slog.Info("Server certificate not found, generating new server certificate",
			"cert_path", b.ServerCertPath,
			"domains", b.DomainNames,
			"ips", b.IPAddresses)

		serverCert, serverKey, err := generateServerCert(caCert, caKey, b.DomainNames, b.IPAddresses)
		if err != nil {
			return fmt.Errorf("failed to generate server certificate: %w", err)
		}

		if err := writePair(serverCert, serverKey, b.ServerCertPath, b.ServerKeyPath); err != nil {
			return err
		}
		slog.Info("Generated server certificate", "cert_path", b.ServerCertPath, "key_path", b.ServerKeyPath)
	} else {
		slog.Debug("Using existing server certificate", "cert_path", b.ServerCertPath)
	}

	return nil
}

func writePair(cert *x509.Certificate, key *rsa.PrivateKey, certPath, keyPath string) error {
	for _, path := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	if err := writeCertToFile(cert, certPath); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := writeKeyToFile(key, keyPath); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Overcast CA"},
			CommonName:   "Overcast Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	caCertBytes, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, caKey, nil
}

func generateServerCert(caCert *x509.Certificate, caKey *rsa.PrivateKey, domainNames []string, ipAddresses []net.IP) (*x509.Certificate, *rsa.PrivateKey, error) {
	serverKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	commonName := "localhost"
	if len(domainNames) > 0 {
		commonName = domainNames[0]
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Overcast"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              domainNames,
		IPAddresses:           ipAddresses,
	}

	serverCertBytes, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}

	serverCert, err := x509.ParseCertificate(serverCertBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	return serverCert, serverKey, nil
}
