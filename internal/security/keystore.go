package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// ConfigurationError is returned when a keystore, password or protocol name
// cannot be turned into a usable security context.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security configuration: %s: %v", e.Reason, e.Err)
	}
	return "security configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Keystore holds the key and trust material decoded from a PKCS#12 file. A
// server keystore carries a certificate with its private key; a client trust
// store carries only the certificates it trusts.
type Keystore struct {
	// Certificate is nil for trust stores.
	Certificate *tls.Certificate
	Roots       *x509.CertPool
}

// LoadKeystore decodes a password protected PKCS#12 keystore from r.
func LoadKeystore(r io.Reader, password string) (*Keystore, error) {
	if r == nil {
		return nil, &ConfigurationError{Reason: "no keystore provided"}
	}
	pfxData, err := io.ReadAll(r)
	if err != nil {
		return nil, &ConfigurationError{Reason: "reading keystore", Err: err}
	}

	key, leaf, caCerts, err := pkcs12.DecodeChain(pfxData, password)
	if err == nil {
		certificate := &tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}
		roots := x509.NewCertPool()
		roots.AddCert(leaf)
		for _, ca := range caCerts {
			certificate.Certificate = append(certificate.Certificate, ca.Raw)
			roots.AddCert(ca)
		}
		return &Keystore{Certificate: certificate, Roots: roots}, nil
	}
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return nil, &ConfigurationError{Reason: "decoding keystore", Err: err}
	}

	// Not a key chain; try it as a trust store.
	trusted, trustErr := pkcs12.DecodeTrustStore(pfxData, password)
	if trustErr != nil {
		return nil, &ConfigurationError{Reason: "decoding keystore", Err: err}
	}
	if len(trusted) == 0 {
		return nil, &ConfigurationError{Reason: "keystore contains no key or trust material"}
	}

	roots := x509.NewCertPool()
	for _, cert := range trusted {
		roots.AddCert(cert)
	}
	return &Keystore{Roots: roots}, nil
}

// GenerateKeystores creates a self-signed certificate valid for hosts (IP
// addresses or DNS names) and returns it twice: as a keystore with its private
// key protected by keyPassword, and as a trust store for clients protected by
// trustPassword.
func GenerateKeystores(hosts []string, keyPassword, trustPassword string) ([]byte, []byte, error) {
	template, err := createX509Template(hosts)
	if err != nil {
		return nil, nil, fmt.Errorf("creating X.509 template: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generating RSA key: %w", err)
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate: %w", err)
	}

	keystore, err := pkcs12.Modern.Encode(privateKey, cert, nil, keyPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding keystore: %w", err)
	}
	truststore, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{cert}, trustPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding trust store: %w", err)
	}
	return keystore, truststore, nil
}

func createX509Template(hosts []string) (*x509.Certificate, error) {
	if len(hosts) == 0 {
		return nil, errors.New("at least one host is required")
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Snowfight Game Server"},
			CommonName:   hosts[0],
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour * 24 * 365 * 10),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	return template, nil
}
