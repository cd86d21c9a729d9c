package app

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/kenneth/fieldcrypt/internal/config"
	"github.com/kenneth/fieldcrypt/internal/crypto"
)

// kmipTLSConfig builds the client TLS settings for the KMIP connection.
func kmipTLSConfig(cfg config.KMIPConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read kmip CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in kmip CA file %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load kmip client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func dialKMIP(cfg config.KMIPConfig) (crypto.KMIPClient, error) {
	tlsCfg, err := kmipTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := crypto.DialKMIP(crypto.KMIPOptions{
		Endpoint:  cfg.Endpoint,
		TLSConfig: tlsCfg,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kmip server: %w", err)
	}
	return client, nil
}
