package main

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func leafOf(t *testing.T, cfg *tls.Config) *x509.Certificate {
	t.Helper()
	if cfg == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %+v", cfg)
	}
	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	return leaf
}

func TestGenerateTLSConfigDefaults(t *testing.T) {
	validity := 2 * time.Hour
	cfg, fingerprint, err := generateTLSConfig(validity, "")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	if len(fingerprint) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(fingerprint))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("MinVersion = %x", cfg.MinVersion)
	}

	leaf := leafOf(t, cfg)
	if leaf.Subject.CommonName != "nexus" {
		t.Errorf("CN = %q, want nexus", leaf.Subject.CommonName)
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid now: %v..%v", leaf.NotBefore, leaf.NotAfter)
	}
	if leaf.NotAfter.After(now.Add(validity + time.Minute)) {
		t.Errorf("NotAfter %v beyond requested validity", leaf.NotAfter)
	}
}

func TestGenerateTLSConfigUniqueCerts(t *testing.T) {
	_, fp1, err := generateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	_, fp2, err := generateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateTLSConfigVerifiesForHost(t *testing.T) {
	cfg, _, err := generateTLSConfig(time.Hour, "chat.example")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	leaf := leafOf(t, cfg)
	if leaf.Subject.CommonName != "chat.example" {
		t.Errorf("CN = %q", leaf.Subject.CommonName)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	for _, name := range []string{"localhost", "chat.example", "127.0.0.1"} {
		if _, err := leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: pool}); err != nil {
			t.Errorf("verify %s: %v", name, err)
		}
	}
}

func TestGenerateTLSConfigIPHost(t *testing.T) {
	cfg, _, err := generateTLSConfig(time.Hour, "192.0.2.10")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	leaf := leafOf(t, cfg)
	if slices.Contains(leaf.DNSNames, "192.0.2.10") {
		t.Errorf("IP host should not be a DNS SAN: %v", leaf.DNSNames)
	}
	if !slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("192.0.2.10")) }) {
		t.Errorf("IP SANs = %v", leaf.IPAddresses)
	}
}
