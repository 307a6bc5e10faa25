// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pelican.
//
// go-pelican is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package adapters

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrInvalidCAPool is returned when CA material holds no usable certificate.
	ErrInvalidCAPool = errors.New("invalid CA pool")

	// ErrInvalidCertificate is returned when a client certificate cannot be loaded.
	ErrInvalidCertificate = errors.New("invalid certificate")
)

// ClientTLSConfig describes how the client verifies federation servers.
// Federations commonly run on a private CA, so extra roots are added to the
// system pool rather than replacing it.
type ClientTLSConfig struct {
	// CAFile is a PEM bundle of additional trusted roots.
	CAFile string

	// CAPEM is PEM data of additional trusted roots (alternative to CAFile).
	CAPEM []byte

	// CertFile and KeyFile load a client certificate for origins that ask for one.
	CertFile string
	KeyFile  string

	// MinVersion defaults to TLS 1.2.
	MinVersion uint16

	// InsecureSkipVerify disables server verification (development only).
	InsecureSkipVerify bool
}

// Build creates a *tls.Config. A zero ClientTLSConfig yields a config that
// trusts the system roots.
func (c ClientTLSConfig) Build() (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         c.MinVersion,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 -- opt-in for test federations
	}
	if config.MinVersion == 0 {
		config.MinVersion = tls.VersionTLS12
	}

	pem := c.CAPEM
	if len(pem) == 0 && c.CAFile != "" {
		data, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCAPool, err)
		}
		pem = data
	}
	if len(pem) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, ErrInvalidCAPool
		}
		config.RootCAs = pool
	}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}
