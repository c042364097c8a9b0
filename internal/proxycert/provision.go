package proxycert

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"go.uber.org/zap"
)

// EvictionListener is invoked each time the leaf cache evicts an entry to
// make room for a new one, so internal/metrics can count it without
// internal/proxycert importing the metrics package directly.
type EvictionListener func(domain string)

// MintListener is invoked each time CertificateFor mints a fresh leaf
// (a cache miss), so internal/metrics can count it the same way.
type MintListener func(domain string)

// CertificateFor returns a tls.Certificate for domain (and any additional
// SANs, e.g. the SNI name plus an IP literal dialed directly), minting and
// caching a new leaf if none is cached yet. It is designed to be called
// from a tls.Config.GetConfigForClient callback (spec §4.1).
func (ca *CA) CertificateFor(domain string, extraSAN ...string) (*tls.Certificate, error) {
	if entry, ok := ca.cache.get(domain); ok {
		return toTLSCertificate(entry, ca.rootDER), nil
	}

	leaf, key, err := ca.mintLeaf(domain, extraSAN)
	if err != nil {
		return nil, fmt.Errorf("proxycert: minting certificate for %s: %w", domain, err)
	}

	entry := &leafEntry{domain: domain, cert: leaf, key: key}
	evicted := ca.cache.put(entry)
	if len(evicted) > 0 {
		ca.log.Debug("evicted leaf certificates to make room", zap.Strings("evicted", evicted), zap.String("domain", domain))
		if ca.onEvict != nil {
			for _, d := range evicted {
				ca.onEvict(d)
			}
		}
	}
	ca.log.Debug("minted leaf certificate", zap.String("domain", domain), zap.Int("cache_size", ca.cache.len()))
	if ca.onMint != nil {
		ca.onMint(domain)
	}

	return toTLSCertificate(entry, ca.rootDER), nil
}

// SetEvictionListener registers fn to be called on cache eviction. Not
// safe to call concurrently with CertificateFor.
func (ca *CA) SetEvictionListener(fn EvictionListener) {
	ca.onEvict = fn
}

// SetMintListener registers fn to be called every time a new leaf
// certificate is minted. Not safe to call concurrently with CertificateFor.
func (ca *CA) SetMintListener(fn MintListener) {
	ca.onMint = fn
}

func toTLSCertificate(entry *leafEntry, rootDER []byte) *tls.Certificate {
	return &tls.Certificate{
		Certificate: [][]byte{entry.cert.Raw, rootDER},
		PrivateKey:  entry.key,
		Leaf:        entry.cert,
	}
}

// RootCertificate returns the CA's root x509.Certificate.
func (ca *CA) RootCertificate() *x509.Certificate {
	return ca.rootCert
}

// CacheSize reports the current number of cached leaf certificates.
func (ca *CA) CacheSize() int {
	return ca.cache.len()
}
