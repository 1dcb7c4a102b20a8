package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// SecurityConfig controls the gateway listener's TLS posture. Relative file
// paths resolve against the config file's directory.
type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP"`
	AllowInsecure   bool   `yaml:"allowInsecure"`
	TLSCertFile     string `yaml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile"`
}

func (s SecurityConfig) sensitive() bool {
	return s.AutoUpgradeHTTP ||
		strings.TrimSpace(s.TLSCertFile) != "" ||
		strings.TrimSpace(s.TLSKeyFile) != "" ||
		strings.TrimSpace(s.TLSClientCAFile) != ""
}

// ServerTLS builds the listener TLS config. It returns nil when no
// certificate material is configured. A client CA switches on mutual TLS.
func (s SecurityConfig) ServerTLS(baseDir string) (*tls.Config, error) {
	certPath := ResolvePath(baseDir, s.TLSCertFile)
	keyPath := ResolvePath(baseDir, s.TLSKeyFile)
	caPath := ResolvePath(baseDir, s.TLSClientCAFile)
	if certPath == "" && keyPath == "" && caPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, errors.New("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath != "" {
		pool, err := LoadCertPool(caPath)
		if err != nil {
			return nil, fmt.Errorf("client CA: %w", err)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// LoadCertPool reads PEM certificates from path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// ResolvePath joins a relative path onto baseDir. Blank paths stay blank.
func ResolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

// EnforceSecureScheme ensures the supplied URL uses TLS (grpcs) outside of the
// dev environment. Loopback targets may stay plaintext. If autoUpgrade is
// enabled, plaintext URLs are transparently upgraded to grpcs. The returned
// boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, errors.New("target URL is nil")
	}
	switch strings.ToLower(strings.TrimSpace(target.Scheme)) {
	case "grpcs", "https":
		return target, false, nil
	case "grpc", "http":
		if IsDevEnv(env) || isLoopbackHost(target.Hostname()) {
			return target, false, nil
		}
		if !autoUpgrade {
			if strings.TrimSpace(env) == "" {
				env = "(unset)"
			}
			return nil, false, fmt.Errorf("plaintext endpoints are not permitted for environment %s", env)
		}
		upgraded := *target
		upgraded.Scheme = "grpcs"
		return &upgraded, true, nil
	case "":
		return nil, false, errors.New("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

// IsDevEnv reports whether env names the development environment.
func IsDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}

// IsLoopbackAddress reports whether a host:port listen address binds a
// loopback interface only.
func IsLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return isLoopbackHost(strings.TrimSpace(host))
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
