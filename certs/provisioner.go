// Package certs provisions the self-signed certificate used for HTTPS
// serving and loads it into a server TLS configuration.
package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"fortio.org/log"
)

const (
	CertFile = "cert.pem"
	KeyFile  = "key.pem"

	dirPerms = 0o755
)

// Bundle locates a PEM certificate and its private key.
type Bundle struct {
	CertPath string
	KeyPath  string
}

// BundleIn returns the cert.pem/key.pem bundle inside dir.
func BundleIn(dir string) Bundle {
	return Bundle{
		CertPath: filepath.Join(dir, CertFile),
		KeyPath:  filepath.Join(dir, KeyFile),
	}
}

// Exists reports whether both files are present.
func (b Bundle) Exists() bool {
	return isFile(b.CertPath) && isFile(b.KeyPath)
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Provisioner makes sure a certificate bundle exists in Dir, generating one
// when needed. Existing bundles are reused as is, whatever their age.
type Provisioner struct {
	Dir        string
	Lister     LocalAddressLister
	Generator  CertificateGenerator
	Validity   time.Duration
	CommonName string
	KeyBits    int
}

// Bundle returns the bundle paths managed by p.
func (p *Provisioner) Bundle() Bundle {
	return BundleIn(p.Dir)
}

// Ensure returns the bundle, generating it first if either file is missing.
// generated reports whether new material was written.
func (p *Provisioner) Ensure(ctx context.Context) (b Bundle, generated bool, err error) {
	b = p.Bundle()
	if b.Exists() {
		log.Infof("Reusing existing certificate %s", b.CertPath)
		return b, false, nil
	}
	if p.Generator == nil {
		return b, false, fmt.Errorf("%w: no certificate generator configured", ErrGenerate)
	}
	if err = os.MkdirAll(p.Dir, dirPerms); err != nil {
		return b, false, fmt.Errorf("create certificate directory %s: %w", p.Dir, err)
	}
	req := Request{
		Bundle:     b,
		CommonName: p.CommonName,
		SANs:       NewSANList(DiscoverIPv4(ctx, p.Lister)),
		Validity:   p.Validity,
		KeyBits:    p.KeyBits,
	}
	if req.CommonName == "" {
		req.CommonName = DefaultCommonName
	}
	if req.Validity <= 0 {
		req.Validity = DefaultValidity
	}
	if req.KeyBits < DefaultKeyBits {
		req.KeyBits = DefaultKeyBits
	}
	log.Infof("Generating self-signed certificate in %s for %s", p.Dir, req.SANs)
	if err = p.Generator.Generate(ctx, req); err != nil {
		return b, false, err
	}
	if !b.Exists() {
		return b, false, fmt.Errorf("%w: %s or %s not written", ErrGenerate, b.CertPath, b.KeyPath)
	}
	return b, true, nil
}

// LoadTLSConfig reads the bundle into a server-only TLS 1.2+ configuration
// restricted to HTTP/1.1.
func LoadTLSConfig(b Bundle) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertPath, b.KeyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("certificate material missing: %w", err)
		}
		return nil, fmt.Errorf("load TLS certificate %s: %w", b.CertPath, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}
