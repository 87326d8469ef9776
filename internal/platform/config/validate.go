package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
)

// Validate checks structural settings always and, when StrictProduction is
// set, the production runtime requirements.
func (c *Config) Validate() error {
	var problems []string
	if _, err := sqldb.ParseDialect(c.Database.Dialect); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Writer.MaxQueueDepth <= 0 {
		problems = append(problems, "writer.max_queue_depth must be positive")
	}
	if c.Writer.LockTimeout <= 0 {
		problems = append(problems, "writer.lock_timeout must be positive")
	}
	if _, err := tlsMinVersion(c.TLS.MinVersion); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Retention.KeepEntries < 0 {
		problems = append(problems, "retention.keep_entries must not be negative")
	}
	if c.Stream.Enabled && strings.TrimSpace(c.Stream.Redis.Addr) == "" {
		problems = append(problems, "stream.redis.addr is required when streaming is enabled")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return validateProductionRuntime(c.StrictProduction, c.Database.DSN, c.TLS.Enabled, c.Auth.JWTSecret, c.Auth.JWTKeyset+c.Auth.JWTKeysetFile, c.Signing.PrivateRing)
}

func validateProductionRuntime(strict bool, databaseURL string, tlsEnabled bool, jwtSecret, jwtKeysetSpec, signingRing string) error {
	if !strict {
		return nil
	}
	if strings.TrimSpace(databaseURL) == "" {
		return fmt.Errorf("strict production mode requires a database url")
	}
	if !tlsEnabled {
		return fmt.Errorf("strict production mode requires tls")
	}
	if strings.TrimSpace(jwtKeysetSpec) == "" && (jwtSecret == "" || jwtSecret == DefaultJWTSecret) {
		return fmt.Errorf("strict production mode rejects the default jwt secret without a keyset")
	}
	if strings.TrimSpace(signingRing) == "" {
		return fmt.Errorf("strict production mode requires a signing key ring")
	}
	return nil
}

// Keyset resolves the JWT keyset: a keyset file wins over an inline ring.
func (a AuthConfig) Keyset() (auth.HMACKeyset, error) {
	if strings.TrimSpace(a.JWTKeysetFile) != "" {
		return auth.LoadHMACKeysetFile(a.JWTKeysetFile)
	}
	secret := a.JWTSecret
	if strings.TrimSpace(a.JWTKeyset) != "" && secret == DefaultJWTSecret {
		secret = ""
	}
	return auth.ParseHMACKeyset(secret, a.JWTKeyset, a.JWTActiveKID)
}

// KeyRing resolves the entry signing ring; with no private ring configured
// the deterministic development key is used.
func (s SigningConfig) KeyRing() (*ledger.KeyRing, bool, error) {
	if strings.TrimSpace(s.PrivateRing) == "" {
		return ledger.DevKeyRing(), true, nil
	}
	ring, err := ledger.ParseKeyRing(s.ActiveVersion, s.PrivateRing, s.PublicRing)
	if err != nil {
		return nil, false, err
	}
	return ring, false, nil
}
