// Package tls builds the crypto/tls configuration for the daemon's HTTP API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version" validate:"omitempty,oneof=1.2 1.3"`
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days" validate:"gte=0"`
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// Dir; with AutoGenerate a self-signed pair is created in Dir on first use.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
		}
		certPath, keyPath = filepath.Join(c.Dir, certName), filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath) && !exists(keyPath) {
			if err := GenerateSelfSigned(SelfSignedConfig{
				CommonName: c.CommonName,
				Hosts:      c.Hosts,
				ValidDays:  c.ValidDays,
				CertPath:   certPath,
				KeyPath:    keyPath,
			}); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// load once up front so a bad pair fails at startup, not on first handshake
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   minVersion(c.MinVersion),
	}, nil
}

func minVersion(v string) uint16 {
	if v == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
