package tlsproxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const leafValidity = 24 * time.Hour

// CA signs leaf certificates for intercepted server names.
type CA struct {
	cert *x509.Certificate
	key  crypto.Signer
	der  []byte

	leafKey *ecdsa.PrivateKey
	leaves  *expirable.LRU[string, *tls.Certificate]
}

// LoadCA reads a PEM certificate and key pair.
func LoadCA(certFile, keyFile string, cacheSize int) (*CA, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load CA: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse CA: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("load CA: certificate is not a CA")
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, errors.New("load CA: key cannot sign")
	}
	return newCA(cert, signer, pair.Certificate[0], cacheSize)
}

// NewEphemeralCA creates a throwaway CA. Clients must be told to trust
// its certificate, see CertificatePEM.
func NewEphemeralCA(cacheSize int) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: "Go2NetGraph interception CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return newCA(cert, key, der, cacheSize)
}

func newCA(cert *x509.Certificate, key crypto.Signer, der []byte, cacheSize int) (*CA, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &CA{
		cert:    cert,
		key:     key,
		der:     der,
		leafKey: leafKey,
		// expire well before the leaf itself does
		leaves: expirable.NewLRU[string, *tls.Certificate](cacheSize, nil, leafValidity/2),
	}, nil
}

// Certificate returns the CA certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.cert }

// WriteCertificate stores the CA certificate as PEM at path.
func (ca *CA) WriteCertificate(path string) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.der}), 0644)
}

// Leaf returns a certificate for name, issuing one on a cache miss.
func (ca *CA) Leaf(name string) (*tls.Certificate, error) {
	if c, ok := ca.leaves.Get(name); ok {
		return c, nil
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(name); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{name}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &ca.leafKey.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", name, err)
	}
	leaf := &tls.Certificate{
		Certificate: [][]byte{der, ca.der},
		PrivateKey:  ca.leafKey,
	}
	ca.leaves.Add(name, leaf)
	return leaf, nil
}

func serial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
