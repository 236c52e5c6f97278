package certs

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"fortio.org/log"
	"fortio.org/safecast"
)

const (
	// DefaultKeyBits is the RSA modulus size requested from every generator.
	DefaultKeyBits = 2048
	// DefaultValidity matches `openssl req -days 365`.
	DefaultValidity = 365 * 24 * time.Hour
	// DefaultCommonName is the placeholder subject CN.
	DefaultCommonName = "localhost"
	// BuiltinTool selects the in-process generator instead of an external toolkit.
	BuiltinTool = "builtin"

	keyFilePerms  = 0o600
	certFilePerms = 0o644
)

// ErrGenerate wraps every certificate generation failure.
var ErrGenerate = errors.New("certificate generation failed")

// Request describes the self-signed certificate to produce.
type Request struct {
	Bundle     Bundle
	CommonName string
	SANs       SANList
	Validity   time.Duration
	KeyBits    int
}

// Days returns the validity rounded down to whole days, at least 1.
func (r Request) Days() int {
	days, err := safecast.Truncate[int](r.Validity.Hours() / 24)
	if err != nil || days < 1 {
		return 1
	}
	return days
}

// CertificateGenerator writes an unencrypted PEM key and a self-signed PEM
// certificate to the request's bundle paths.
type CertificateGenerator interface {
	Generate(ctx context.Context, req Request) error
}

// NewGenerator returns the Builtin generator for BuiltinTool and an
// OpenSSL generator running tool otherwise.
func NewGenerator(tool string) (CertificateGenerator, error) {
	if tool == BuiltinTool {
		return Builtin{}, nil
	}
	argv, err := SplitCommand(tool)
	if err != nil {
		return nil, fmt.Errorf("certificate tool %q: %w", tool, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty certificate tool")
	}
	return &OpenSSL{Argv: argv}, nil
}

// OpenSSL shells out to `openssl req -x509`.
type OpenSSL struct {
	// Argv is the openssl binary and any leading arguments.
	Argv []string
}

// Args returns the `req` arguments for req, after o.Argv[0].
func (o *OpenSSL) Args(req Request) []string {
	args := append([]string{}, o.Argv[1:]...)
	return append(args,
		"req", "-x509",
		"-newkey", "rsa:"+strconv.Itoa(req.KeyBits),
		"-sha256",
		"-days", strconv.Itoa(req.Days()),
		"-nodes",
		"-keyout", req.Bundle.KeyPath,
		"-out", req.Bundle.CertPath,
		"-subj", "/CN="+req.CommonName,
		"-addext", "subjectAltName="+req.SANs.String(),
	)
}

func (o *OpenSSL) Generate(ctx context.Context, req Request) error {
	//nolint:gosec // tool path comes from the operator.
	cmd := exec.CommandContext(ctx, o.Argv[0], o.Args(req)...)
	log.Infof("Running %v", cmd.Args)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %w: %s", ErrGenerate, o.Argv[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Builtin generates the key and certificate with crypto/x509.
type Builtin struct{}

func (Builtin) Generate(_ context.Context, req Request) error {
	key, err := rsa.GenerateKey(rand.Reader, req.KeyBits)
	if err != nil {
		return fmt.Errorf("%w: generate key: %w", ErrGenerate, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("%w: serial: %w", ErrGenerate, err)
	}
	ips := make([]net.IP, 0, len(req.SANs.IPs))
	for _, a := range req.SANs.IPs {
		ips = append(ips, net.IP(a.AsSlice()))
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: req.CommonName},
		DNSNames:              req.SANs.DNSNames,
		IPAddresses:           ips,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(time.Duration(req.Days()) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("%w: create certificate: %w", ErrGenerate, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("%w: marshal key: %w", ErrGenerate, err)
	}
	if err := writePEM(req.Bundle.KeyPath, "PRIVATE KEY", keyDER, keyFilePerms); err != nil {
		return err
	}
	return writePEM(req.Bundle.CertPath, "CERTIFICATE", der, certFilePerms)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrGenerate, path, err)
	}
	return nil
}
