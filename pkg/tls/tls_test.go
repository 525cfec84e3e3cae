package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed certificate and key to dir.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "icst-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"disabled ignores missing files", Config{CertFile: "/nope"}, false},
		{"cert and key", Config{Enabled: true, CertFile: cert, KeyFile: key}, false},
		{"with CA", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}, false},
		{"CA only", Config{Enabled: true, CAFile: cert}, false},
		{"cert without key", Config{Enabled: true, CertFile: cert}, true},
		{"missing file", Config{Enabled: true, CertFile: cert, KeyFile: filepath.Join(dir, "missing.pem")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig(t *testing.T) {
	cert, key := writeSelfSigned(t, t.TempDir())

	cfg, err := ServerConfig(Config{})
	if err != nil || cfg != nil {
		t.Fatalf("disabled: got %v, %v; want nil, nil", cfg, err)
	}

	cfg, err = ServerConfig(Config{Enabled: true, CertFile: cert, KeyFile: key})
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v without CA, want NoClientCert", cfg.ClientAuth)
	}

	cfg, err = ServerConfig(Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert})
	if err != nil {
		t.Fatalf("ServerConfig with CA: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v with CA, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}

	if _, err := ServerConfig(Config{Enabled: true, CAFile: cert}); err == nil {
		t.Error("expected error when server has no certificate")
	}
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir)

	cfg, err := ClientConfig(Config{Enabled: true, CAFile: cert})
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs not set")
	}
	if len(cfg.Certificates) != 0 {
		t.Error("client certificate presented without being configured")
	}

	cfg, err = ClientConfig(Config{Enabled: true, CertFile: cert, KeyFile: key})
	if err != nil {
		t.Fatalf("ClientConfig with cert: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}

	bad := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(bad, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(Config{Enabled: true, CAFile: bad}); err == nil {
		t.Error("expected error for unparsable CA")
	}
}
