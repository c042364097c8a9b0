// Package proxycert implements the proxy's certificate authority: a
// self-signed root (generated once, then persisted to disk and reloaded on
// subsequent starts) and a bounded cache of leaf certificates minted
// on-the-fly for each MITM'd domain (spec §4.1). The root generation logic
// is grounded on caddytls's newSelfSignedCertificate, generalized from a
// single flat certificate to a root-signs-leaf chain; the persistence and
// cache shape follow the original Rust implementation's cert/ca.rs and
// cert/mod.rs (CertificateCache).
package proxycert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.step.sm/crypto/pemutil"
	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

// RootLifetime is how long a freshly generated root certificate is valid
// for, per the Open Question resolved in favor of a long-lived local root:
// this CA's root is never submitted to a public trust store, so the usual
// short-lived-cert hygiene that motivates ACME-issued certs doesn't apply.
const RootLifetime = 10 * 365 * 24 * time.Hour

// LeafLifetime is how long each minted leaf certificate is valid for.
const LeafLifetime = 7 * 24 * time.Hour

const (
	rootCertFileName = "ca.crt"
	rootKeyFileName  = "ca.key"
)

// CA mints and caches leaf certificates signed by a self-signed root,
// loading the root from certDir if present or generating and persisting a
// new one otherwise.
type CA struct {
	log *zap.Logger

	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootDER  []byte

	cache   *leafCache
	onEvict EvictionListener
	onMint  MintListener
}

// Options configures a CA.
type Options struct {
	// CertDir is the directory the root certificate/key are loaded from and
	// persisted to, per spec §4.1's "<cert_dir>/ca.{crt,key}" layout.
	CertDir string
	// CacheSize bounds the number of leaf certificates kept in memory
	// (FIFO eviction, spec §4.1's cache invariant).
	CacheSize int
	Log       *zap.Logger
}

// New loads or generates the root certificate under opts.CertDir and
// returns a ready-to-use CA.
func New(opts Options) (*CA, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}

	ca := &CA{log: log.Named("proxycert"), cache: newLeafCache(opts.CacheSize)}

	rootCert, rootKey, err := loadOrGenerateRoot(opts.CertDir, ca.log)
	if err != nil {
		return nil, fmt.Errorf("proxycert: initializing root: %w", err)
	}
	ca.rootCert = rootCert
	ca.rootKey = rootKey
	ca.rootDER = rootCert.Raw
	return ca, nil
}

// RootCertPEM returns the root certificate encoded as PEM, for clients to
// import into their trust store.
func (ca *CA) RootCertPEM() ([]byte, error) {
	block, err := pemutil.Serialize(ca.rootCert)
	if err != nil {
		return nil, fmt.Errorf("proxycert: encoding root certificate: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

func loadOrGenerateRoot(certDir string, log *zap.Logger) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPath := filepath.Join(certDir, rootCertFileName)
	keyPath := filepath.Join(certDir, rootKeyFileName)

	certBytes, certErr := os.ReadFile(certPath)
	keyBytes, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		cert, key, err := parseRoot(certBytes, keyBytes)
		if err == nil {
			log.Info("loaded existing CA root", zap.String("path", certPath))
			return cert, key, nil
		}
		log.Warn("existing CA root is unusable, regenerating", zap.Error(err))
	}

	cert, key, err := generateRoot()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generating root: %v", proxyerr.ErrCertificate, err)
	}
	if err := persistRoot(certDir, cert, key); err != nil {
		// A root that can't be persisted still works for this process
		// lifetime; losing persistence just means a new root is minted
		// (and downstream trust stores must be refreshed) on next start.
		log.Warn("could not persist generated CA root", zap.Error(err))
	}
	log.Info("generated new CA root", zap.Time("not_after", cert.NotAfter))
	return cert, key, nil
}

func parseRoot(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("root certificate file is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("root key file is not valid PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing root key: %w", err)
	}
	return cert, key, nil
}

func generateRoot() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	notBefore := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"witmproxy"}, CommonName: "witmproxy Local MITM Root"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(RootLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing freshly created root certificate: %w", err)
	}
	return cert, key, nil
}

func persistRoot(certDir string, cert *x509.Certificate, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	if _, err := pemutil.Serialize(cert, pemutil.WithFilename(filepath.Join(certDir, rootCertFileName))); err != nil {
		return fmt.Errorf("writing root certificate: %w", err)
	}
	if _, err := pemutil.Serialize(key, pemutil.WithFilename(filepath.Join(certDir, rootKeyFileName))); err != nil {
		return fmt.Errorf("writing root key: %w", err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial number: %v", proxyerr.ErrCertificate, err)
	}
	return serial, nil
}

// mintLeaf signs a fresh leaf certificate for domain (and any extra SANs),
// valid for LeafLifetime, under the CA's root.
func (ca *CA) mintLeaf(domain string, extraSAN []string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generating leaf key: %v", proxyerr.ErrCertificate, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	notBefore := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"witmproxy"}, CommonName: domain},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(LeafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	sans := append([]string{domain}, extraSAN...)
	applySANs(tmpl, sans)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signing leaf certificate for %s: %v", proxyerr.ErrCertificate, domain, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing freshly signed leaf for %s: %v", proxyerr.ErrCertificate, domain, err)
	}
	return leaf, key, nil
}

// applySANs classifies each name as an IP literal, a wildcard DNS name, or
// a plain DNS name, matching spec §4.1's SAN-aware minting requirement.
func applySANs(tmpl *x509.Certificate, names []string) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if ip := net.ParseIP(name); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, name)
		if strings.HasPrefix(name, "*.") {
			// A wildcard also covers its base name.
			if base := strings.TrimPrefix(name, "*."); base != "" && !seen[base] {
				seen[base] = true
				tmpl.DNSNames = append(tmpl.DNSNames, base)
			}
		}
	}
}
