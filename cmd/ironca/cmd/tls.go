package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"fmt"
	"net"

	"github.com/jmcleod/ironca/pki"
)

// selfSignedCertificate builds a throwaway two-level chain for localhost: an
// EC root valid for one day and a server leaf signed by it. Nothing is
// persisted.
func selfSignedCertificate(ctx context.Context) (tls.Certificate, error) {
	engine, err := pki.EngineFor(pki.ECP256)
	if err != nil {
		return tls.Certificate{}, err
	}

	rootKey, err := pki.GenerateKeyPair(ctx, pki.ECP256)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating root key: %w", err)
	}
	root, err := engine.SelfSigned(rootKey.Signer, pki.Request{
		Subject:      pkix.Name{CommonName: "IronCA Ephemeral Root", Organization: []string{"IronCA"}},
		PublicKey:    rootKey.Public(),
		ValidityDays: 1,
	})
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("signing root: %w", err)
	}

	leafKey, err := pki.GenerateKeyPair(ctx, pki.ECP256)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating server key: %w", err)
	}
	leaf, err := engine.Server(pki.Issuer{Certificate: root.Certificate, Signer: rootKey.Signer}, pki.Request{
		Subject:      pkix.Name{CommonName: "localhost"},
		PublicKey:    leafKey.Public(),
		ValidityDays: 1,
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	})
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("signing server certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{leaf.DER, root.DER},
		PrivateKey:  leafKey.Signer,
		Leaf:        leaf.Certificate,
	}, nil
}

// serverTLSConfig loads the configured key pair, or falls back to
// selfSignedCertificate when none is configured.
func serverTLSConfig(ctx context.Context, certFile, keyFile string) (cfg *tls.Config, selfSigned bool, err error) {
	var cert tls.Certificate
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = selfSignedCertificate(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		selfSigned = true
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, selfSigned, nil
}
