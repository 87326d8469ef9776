// Command ledgerkeygen generates an ed25519 entry-signing key in the
// "version:base64" ring format ledgerd reads.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	formatAssignments = "assignments"
	formatYAML        = "yaml"
)

type config struct {
	keyID              string
	format             string
	outDir             string
	privateMaterialFmt string
	versionVar         string
	privateVar         string
	publicVar          string
}

type keyMaterial struct {
	keyID   string
	private string
	public  string
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate ed25519 keypair: %v\n", err)
		os.Exit(1)
	}
	km := renderKeyMaterial(cfg, pub, priv)
	if cfg.outDir != "" {
		lines, err := writeSecretFiles(cfg, km)
		if err != nil {
			fmt.Fprintf(os.Stderr, "write key files: %v\n", err)
			os.Exit(1)
		}
		printLines(os.Stdout, lines)
		return
	}
	switch cfg.format {
	case formatYAML:
		out, err := renderYAML(km)
		if err != nil {
			fmt.Fprintf(os.Stderr, "render yaml: %v\n", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
	default:
		printLines(os.Stdout, renderAssignments(cfg, km))
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("ledgerkeygen", flag.ContinueOnError)
	cfg := config{}
	fs.StringVar(&cfg.keyID, "key-id", envOr(getenv, "LEDGER_KEYGEN_KEY_ID", "v1"), "signing key version")
	fs.StringVar(&cfg.format, "format", envOr(getenv, "LEDGER_KEYGEN_FORMAT", formatAssignments), "output format: assignments or yaml")
	fs.StringVar(&cfg.outDir, "out-dir", envOr(getenv, "LEDGER_KEYGEN_OUT_DIR", ""), "write key files into this directory instead of stdout")
	fs.StringVar(&cfg.privateMaterialFmt, "private-material", envOr(getenv, "LEDGER_KEYGEN_PRIVATE_MATERIAL", "seed"), "private material format: seed or private")
	fs.StringVar(&cfg.versionVar, "version-var", envOr(getenv, "LEDGER_KEYGEN_VERSION_VAR", "LEDGER_SIGNING_ACTIVE_VERSION"), "env var name for the active version")
	fs.StringVar(&cfg.privateVar, "private-var", envOr(getenv, "LEDGER_KEYGEN_PRIVATE_VAR", "LEDGER_SIGNING_PRIVATE_RING"), "env var name for the private ring")
	fs.StringVar(&cfg.publicVar, "public-var", envOr(getenv, "LEDGER_KEYGEN_PUBLIC_VAR", "LEDGER_SIGNING_PUBLIC_RING"), "env var name for the public ring")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	cfg.keyID = strings.TrimSpace(cfg.keyID)
	if cfg.keyID == "" || strings.ContainsAny(cfg.keyID, ":,") {
		return config{}, fmt.Errorf("key id must be non-empty and contain no ':' or ','")
	}
	if cfg.privateMaterialFmt != "seed" && cfg.privateMaterialFmt != "private" {
		return config{}, fmt.Errorf("unsupported private material format: %s (expected seed or private)", cfg.privateMaterialFmt)
	}
	if cfg.format != formatAssignments && cfg.format != formatYAML {
		return config{}, fmt.Errorf("unsupported format: %s (expected assignments or yaml)", cfg.format)
	}
	return cfg, nil
}

func renderKeyMaterial(cfg config, pub ed25519.PublicKey, priv ed25519.PrivateKey) keyMaterial {
	privateBytes := []byte(priv)
	if cfg.privateMaterialFmt == "seed" {
		privateBytes = priv.Seed()
	}
	return keyMaterial{
		keyID:   cfg.keyID,
		private: cfg.keyID + ":" + base64.StdEncoding.EncodeToString(privateBytes),
		public:  cfg.keyID + ":" + base64.StdEncoding.EncodeToString(pub),
	}
}

func renderAssignments(cfg config, km keyMaterial) []string {
	return []string{
		cfg.versionVar + "=" + km.keyID,
		cfg.privateVar + "=" + km.private,
		cfg.publicVar + "=" + km.public,
	}
}

// renderYAML emits a snippet for the signing section of the config file.
func renderYAML(km keyMaterial) ([]byte, error) {
	doc := map[string]map[string]string{
		"signing": {
			"active_version": km.keyID,
			"private_ring":   km.private,
			"public_ring":    km.public,
		},
	}
	return yaml.Marshal(doc)
}

// writeSecretFiles keeps private material off stdout; only the version and
// file paths are printed.
func writeSecretFiles(cfg config, km keyMaterial) ([]string, error) {
	if err := os.MkdirAll(cfg.outDir, 0o700); err != nil {
		return nil, err
	}
	privatePath := filepath.Join(cfg.outDir, "private-ring.txt")
	publicPath := filepath.Join(cfg.outDir, "public-ring.txt")
	if err := os.WriteFile(privatePath, []byte(km.private+"\n"), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(publicPath, []byte(km.public+"\n"), 0o600); err != nil {
		return nil, err
	}
	return []string{
		cfg.versionVar + "=" + km.keyID,
		cfg.privateVar + "_FILE=" + privatePath,
		cfg.publicVar + "_FILE=" + publicPath,
	}, nil
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}
