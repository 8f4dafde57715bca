// Package listeners shares network listeners between tenants. Tenants with
// the same listener identity are served by one http.Server; the bind table
// decides whether a tenant opens a new address or joins one its listener
// already owns.
package listeners

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/pkcs12"

	"github.com/tomyedwab/shellhost/shellhost/shell"
)

var (
	// ErrAlreadyBound is returned when a tenant's address is owned by a
	// listener with a different identity.
	ErrAlreadyBound = errors.New("address is bound by another listener")
	// ErrNoCredentials is returned when a secure identity carries no usable
	// key material.
	ErrNoCredentials = errors.New("secure listener has no credentials")
)

// Identity is what decides listener sharing. All plain tenants share one
// identity. Secure tenants share a listener when the concatenation of their
// key, cert and pfx bytes is identical.
type Identity struct {
	secure bool
	key    string
	tls    *shell.TLSMaterial
}

// Plain is the identity of every non-TLS tenant.
var Plain = Identity{}

// IdentityFor returns the listener identity of a tenant.
func IdentityFor(s *shell.Shell) Identity {
	if !s.Secure() {
		return Plain
	}
	material := s.TLS
	key := string(material.Key) + string(material.Cert) + string(material.PFX)
	return Identity{secure: true, key: key, tls: material}
}

// Secure reports whether listeners of this identity speak TLS.
func (id Identity) Secure() bool {
	return id.secure
}

// Equal reports whether two identities share a listener.
func (id Identity) Equal(other Identity) bool {
	return id.secure == other.secure && id.key == other.key
}

// String is a log-safe rendering that never includes key material.
func (id Identity) String() string {
	if !id.secure {
		return "plain"
	}
	sum := sha256.Sum256([]byte(id.key))
	return "secure:" + hex.EncodeToString(sum[:6])
}

func (id Identity) tlsConfig() (*tls.Config, error) {
	material := id.tls
	if material == nil || id.key == "" {
		return nil, ErrNoCredentials
	}

	var cert tls.Certificate
	var err error
	if len(material.PFX) > 0 {
		cert, err = pfxCertificate(material.PFX, material.Passphrase)
	} else {
		cert, err = tls.X509KeyPair(material.Cert, material.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func pfxCertificate(pfx []byte, passphrase string) (tls.Certificate, error) {
	blocks, err := pkcs12.ToPEM(pfx, passphrase)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode pfx: %w", err)
	}
	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}
	return tls.X509KeyPair(pemData, pemData)
}
