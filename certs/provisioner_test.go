package certs

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// recordingGenerator writes placeholder files and remembers the requests.
type recordingGenerator struct {
	reqs []Request
	err  error
}

func (g *recordingGenerator) Generate(_ context.Context, req Request) error {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return g.err
	}
	if err := os.WriteFile(req.Bundle.KeyPath, []byte("key "+req.SANs.String()), 0o600); err != nil {
		return err
	}
	return os.WriteFile(req.Bundle.CertPath, []byte("cert "+req.SANs.String()), 0o644)
}

func TestEnsureGeneratesThenReuses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	gen := &recordingGenerator{}
	lister := &fakeLister{addrs: addrs("192.168.1.20")}
	p := &Provisioner{Dir: dir, Lister: lister, Generator: gen}
	b, generated, err := p.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !generated {
		t.Errorf("first Ensure should generate")
	}
	if b.CertPath != filepath.Join(dir, "cert.pem") || b.KeyPath != filepath.Join(dir, "key.pem") {
		t.Errorf("unexpected bundle %+v", b)
	}
	if len(gen.reqs) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(gen.reqs))
	}
	req := gen.reqs[0]
	if req.KeyBits != DefaultKeyBits || req.Days() != 365 || req.CommonName != DefaultCommonName {
		t.Errorf("unexpected defaults in %+v", req)
	}
	if got := req.SANs.String(); got != "DNS:localhost,IP:127.0.0.1,IP:192.168.1.20" {
		t.Errorf("SANs = %q", got)
	}
	before, err := os.ReadFile(b.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	b2, generated, err := p.Ensure(context.Background())
	if err != nil || generated {
		t.Fatalf("second Ensure: generated=%v err=%v", generated, err)
	}
	if b2 != b {
		t.Errorf("bundle changed %+v vs %+v", b2, b)
	}
	after, _ := os.ReadFile(b.CertPath)
	if !bytes.Equal(before, after) {
		t.Errorf("certificate was rewritten")
	}
	if len(gen.reqs) != 1 || lister.calls != 1 {
		t.Errorf("reuse should not regenerate nor rediscover: gens=%d listings=%d", len(gen.reqs), lister.calls)
	}
}

func TestEnsureRegeneratesPartialBundle(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, CertFile), []byte("orphan"), 0o644); err != nil {
		t.Fatal(err)
	}
	gen := &recordingGenerator{}
	p := &Provisioner{Dir: dir, Generator: gen}
	if _, generated, err := p.Ensure(context.Background()); err != nil || !generated {
		t.Fatalf("Ensure: generated=%v err=%v", generated, err)
	}
}

func TestEnsureGeneratorFailure(t *testing.T) {
	gen := &recordingGenerator{err: ErrGenerate}
	p := &Provisioner{Dir: t.TempDir(), Generator: gen, Lister: &fakeLister{err: errors.New("no ip")}}
	_, _, err := p.Ensure(context.Background())
	if !errors.Is(err, ErrGenerate) {
		t.Errorf("expected ErrGenerate, got %v", err)
	}
	// Loopback coverage survives a failed discovery.
	if got := gen.reqs[0].SANs.String(); got != "DNS:localhost,IP:127.0.0.1" {
		t.Errorf("SANs = %q", got)
	}
}

func TestEnsureMissingOutput(t *testing.T) {
	p := &Provisioner{Dir: t.TempDir(), Generator: noopGenerator{}}
	if _, _, err := p.Ensure(context.Background()); !errors.Is(err, ErrGenerate) {
		t.Errorf("expected ErrGenerate when nothing is written, got %v", err)
	}
}

type noopGenerator struct{}

func (noopGenerator) Generate(context.Context, Request) error { return nil }

func TestMissingOpenSSLFails(t *testing.T) {
	gen, err := NewGenerator("this_openssl_definitely_does_not_exist_12345")
	if err != nil {
		t.Fatal(err)
	}
	p := &Provisioner{Dir: t.TempDir(), Generator: gen}
	if _, _, err := p.Ensure(context.Background()); !errors.Is(err, ErrGenerate) {
		t.Errorf("expected ErrGenerate, got %v", err)
	}
}

func TestBuiltinGenerator(t *testing.T) {
	dir := t.TempDir()
	p := &Provisioner{
		Dir:       dir,
		Generator: Builtin{},
		Lister:    &fakeLister{addrs: addrs("10.0.0.3")},
		Validity:  30 * 24 * time.Hour,
	}
	b, _, err := p.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	data, err := os.ReadFile(b.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("bad PEM block %v", block)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(cert.DNSNames, []string{"localhost"}) {
		t.Errorf("DNSNames = %v", cert.DNSNames)
	}
	var ips []netip.Addr
	for _, ip := range cert.IPAddresses {
		a, _ := netip.AddrFromSlice(ip)
		ips = append(ips, a.Unmap())
	}
	if !slices.Equal(ips, addrs("127.0.0.1", "10.0.0.3")) {
		t.Errorf("IPAddresses = %v", ips)
	}
	if cert.Subject.CommonName != DefaultCommonName {
		t.Errorf("CN = %q", cert.Subject.CommonName)
	}
	if days := cert.NotAfter.Sub(cert.NotBefore).Hours() / 24; days < 29.9 || days > 30.1 {
		t.Errorf("validity %v days", days)
	}
	if err := cert.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
	fi, err := os.Stat(b.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("key perms %v", fi.Mode().Perm())
	}
	if _, err := LoadTLSConfig(b); err != nil {
		t.Errorf("LoadTLSConfig: %v", err)
	}
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	b := BundleIn(dir)
	if _, err := LoadTLSConfig(b); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected missing material error, got %v", err)
	}
	_ = os.WriteFile(b.CertPath, []byte("not a cert"), 0o644)
	_ = os.WriteFile(b.KeyPath, []byte("not a key"), 0o600)
	if _, err := LoadTLSConfig(b); err == nil {
		t.Errorf("expected error for malformed PEM")
	}
}

func TestOpenSSLArgs(t *testing.T) {
	gen, err := NewGenerator("openssl")
	if err != nil {
		t.Fatal(err)
	}
	o := gen.(*OpenSSL)
	req := Request{
		Bundle:     BundleIn("certs"),
		CommonName: "localhost",
		SANs:       NewSANList(addrs("127.0.0.1")),
		Validity:   DefaultValidity,
		KeyBits:    2048,
	}
	got := strings.Join(o.Args(req), " ")
	want := "req -x509 -newkey rsa:2048 -sha256 -days 365 -nodes " +
		"-keyout " + filepath.Join("certs", "key.pem") + " -out " + filepath.Join("certs", "cert.pem") +
		" -subj /CN=localhost -addext subjectAltName=DNS:localhost,IP:127.0.0.1"
	if got != want {
		t.Errorf("Args() =\n%s\nwant\n%s", got, want)
	}
	if g, _ := NewGenerator(BuiltinTool); g != (Builtin{}) {
		t.Errorf("NewGenerator(builtin) = %#v", g)
	}
	if _, err := NewGenerator(""); err == nil {
		t.Errorf("expected error for empty tool")
	}
}

func TestRequestDays(t *testing.T) {
	for _, tt := range []struct {
		v    time.Duration
		want int
	}{
		{DefaultValidity, 365},
		{36 * time.Hour, 1},
		{time.Hour, 1},
		{0, 1},
	} {
		if got := (Request{Validity: tt.v}).Days(); got != tt.want {
			t.Errorf("Days(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}
