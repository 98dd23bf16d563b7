package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSecurityMode = errors.New("session: invalid security mode")
	ErrTLSRequired         = errors.New("session: tls required")
	ErrTLSSettingUnused    = errors.New("session: tls setting has no effect with tls disabled")
	ErrTLSKeyPair          = errors.New("session: tls cert and key must be set together")
	ErrTLSSkipVerify       = errors.New("session: insecure skip verify not allowed")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateClientTransport checks the settings used to open node streams.
// Public nodes speak plaintext, so development mode allows it and only
// rejects settings that would be silently ignored. Production mode needs a
// verified server, so TLS must be on and skip-verify off. An
// empty CA file verifies against the system roots.
func (c Config) ValidateClientTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	tlsOpts := c.TLS
	if !tlsOpts.Enabled {
		if field := tlsOpts.firstSetField(); field != "" {
			return fmt.Errorf("%w: %s", ErrTLSSettingUnused, field)
		}
		if mode == SecurityModeProduction {
			return ErrTLSRequired
		}
		return nil
	}

	cert := strings.TrimSpace(tlsOpts.CertFile) != ""
	key := strings.TrimSpace(tlsOpts.KeyFile) != ""
	if cert != key || (tlsOpts.Mutual && !cert) {
		return ErrTLSKeyPair
	}
	if tlsOpts.InsecureSkipVerify {
		if mode == SecurityModeProduction {
			return ErrTLSSkipVerify
		}
		if strings.TrimSpace(tlsOpts.CAFile) != "" {
			return fmt.Errorf("%w: ca file is ignored when skipping verification", ErrTLSSkipVerify)
		}
	}
	return nil
}

// firstSetField names a TLS option that only matters once TLS is enabled.
func (t TLSConfig) firstSetField() string {
	switch {
	case t.Mutual:
		return "mutual"
	case strings.TrimSpace(t.CAFile) != "":
		return "ca_file"
	case strings.TrimSpace(t.CertFile) != "":
		return "cert_file"
	case strings.TrimSpace(t.KeyFile) != "":
		return "key_file"
	case strings.TrimSpace(t.ServerName) != "":
		return "server_name"
	case t.InsecureSkipVerify:
		return "insecure_skip_verify"
	}
	return ""
}
