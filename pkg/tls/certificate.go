// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls builds listener TLS configurations from PEM files and reports
// on the certificates they carry.
package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// TLSVerifyMode defines TLS certificate verification mode
type TLSVerifyMode string

const (
	// VerifyNone - No certificate verification
	VerifyNone TLSVerifyMode = "none"
	// VerifyPeer - Verify peer certificate
	VerifyPeer TLSVerifyMode = "verify_peer"
	// VerifyPeerFailIfNoCert - Verify peer certificate and fail if not provided
	VerifyPeerFailIfNoCert TLSVerifyMode = "verify_peer_fail_if_no_peer_cert"
)

// TLSConfig represents TLS configuration for listeners
type TLSConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	CertFile   string        `yaml:"certfile" json:"certfile"`
	KeyFile    string        `yaml:"keyfile" json:"keyfile"`
	CACertFile string        `yaml:"cacertfile,omitempty" json:"cacertfile,omitempty"`
	Verify     TLSVerifyMode `yaml:"verify,omitempty" json:"verify,omitempty"`
}

// CertificateInfo contains parsed certificate information
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	DNSNames     []string
	IPAddresses  []string
	Fingerprint  string
}

// ExpiresWithin reports whether the certificate expires within d of now.
func (i *CertificateInfo) ExpiresWithin(d time.Duration) bool {
	return time.Until(i.NotAfter) <= d
}

// Validate checks the configuration without reading any file.
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls: certfile and keyfile are required")
	}
	switch c.Verify {
	case "", VerifyNone:
	case VerifyPeer, VerifyPeerFailIfNoCert:
		if c.CACertFile == "" {
			return fmt.Errorf("tls: cacertfile is required for verify mode %s", c.Verify)
		}
	default:
		return fmt.Errorf("tls: unsupported verify mode: %s", c.Verify)
	}
	return nil
}

// Load reads the certificate files and returns the server configuration.
func (c *TLSConfig) Load() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch c.Verify {
	case VerifyPeer:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerFailIfNoCert:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	if cfg.ClientAuth != tls.NoClientCert {
		caPEM, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// Inspect parses the configured server certificate.
func (c *TLSConfig) Inspect() (*CertificateInfo, error) {
	certPEM, err := os.ReadFile(c.CertFile)
	if err != nil {
		return nil, err
	}
	return ParseCertificate(certPEM)
}

// ParseCertificate parses the first PEM certificate in certPEM.
func ParseCertificate(certPEM []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	fingerprint := sha256.Sum256(cert.Raw)
	info := &CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info, nil
}
