package evidence

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

const (
	PublicRingEnv        = "LEDGER_SIGNING_PUBLIC_RING"
	PublicRingFileEnv    = "LEDGER_SIGNING_PUBLIC_RING_FILE"
	PublicRingCommandEnv = "LEDGER_SIGNING_PUBLIC_RING_COMMAND"
)

// resolveValueSource prefers a file, then a command, then the plain variable.
func resolveValueSource(envName, fileEnv, cmdEnv string) (string, error) {
	if path := strings.TrimSpace(os.Getenv(fileEnv)); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", fileEnv, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	if cmd := strings.TrimSpace(os.Getenv(cmdEnv)); cmd != "" {
		out, err := exec.Command("sh", "-c", cmd).Output()
		if err != nil {
			return "", fmt.Errorf("run %s: %w", cmdEnv, err)
		}
		return strings.TrimSpace(string(out)), nil
	}
	return strings.TrimSpace(os.Getenv(envName)), nil
}

// ResolvePublicRing loads the verification ring from the environment. An
// empty result means no ring was configured.
func ResolvePublicRing() (string, error) {
	return resolveValueSource(PublicRingEnv, PublicRingFileEnv, PublicRingCommandEnv)
}

// ParsePublicRing builds a verify-only ring from "id:base64" public keys.
func ParsePublicRing(raw string) (*ledger.KeyRing, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("public key ring is empty")
	}
	first, _, _ := strings.Cut(strings.Split(raw, ",")[0], ":")
	return ledger.ParseKeyRing(strings.TrimSpace(first), "", raw)
}
