package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil, lookupMap(nil))
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	if cfg.keyID != "v1" {
		t.Fatalf("keyID = %q, want v1", cfg.keyID)
	}
	if cfg.format != formatAssignments {
		t.Fatalf("format = %q, want assignments", cfg.format)
	}
	if cfg.outDir != "" {
		t.Fatalf("outDir = %q, want empty", cfg.outDir)
	}
	if cfg.privateMaterialFmt != "seed" {
		t.Fatalf("privateMaterialFmt = %q, want seed", cfg.privateMaterialFmt)
	}
	if cfg.privateVar != "LEDGER_SIGNING_PRIVATE_RING" {
		t.Fatalf("privateVar = %q", cfg.privateVar)
	}
}

func TestParseConfigEnvAndFlagPrecedence(t *testing.T) {
	env := map[string]string{
		"LEDGER_KEYGEN_KEY_ID":           "env-id",
		"LEDGER_KEYGEN_PRIVATE_MATERIAL": "private",
		"LEDGER_KEYGEN_OUT_DIR":          "/tmp/key-out",
	}
	cfg, err := parseConfig([]string{"--key-id", "flag-id", "--format", "yaml"}, lookupMap(env))
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	if cfg.keyID != "flag-id" {
		t.Fatalf("keyID = %q, want flag-id", cfg.keyID)
	}
	if cfg.privateMaterialFmt != "private" || cfg.outDir != "/tmp/key-out" || cfg.format != formatYAML {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseConfigRejectsBadInput(t *testing.T) {
	for _, args := range [][]string{
		{"--key-id", "a:b"},
		{"--private-material", "pem"},
		{"--format", "toml"},
	} {
		if _, err := parseConfig(args, lookupMap(nil)); err == nil {
			t.Fatalf("parseConfig(%v) accepted bad input", args)
		}
	}
}

func TestRenderedRingLoadsIntoKeyRing(t *testing.T) {
	cfg, err := parseConfig([]string{"--key-id", "2026-q1"}, lookupMap(nil))
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	pub, priv := fixedKeyPair()
	km := renderKeyMaterial(cfg, pub, priv)
	lines := renderAssignments(cfg, km)
	if len(lines) != 3 || lines[0] != "LEDGER_SIGNING_ACTIVE_VERSION=2026-q1" {
		t.Fatalf("unexpected lines: %#v", lines)
	}
	assertRingEntryLen(t, lines[1], "LEDGER_SIGNING_PRIVATE_RING=2026-q1:", ed25519.SeedSize)
	assertRingEntryLen(t, lines[2], "LEDGER_SIGNING_PUBLIC_RING=2026-q1:", ed25519.PublicKeySize)

	ring, err := ledger.ParseKeyRing(km.keyID, km.private, km.public)
	if err != nil {
		t.Fatalf("ParseKeyRing() error = %v", err)
	}
	sig, version, err := ring.Sign(strings.Repeat("ab", 32))
	if err != nil || version != "2026-q1" {
		t.Fatalf("sign version=%q err=%v", version, err)
	}
	if !ring.Verify(version, strings.Repeat("ab", 32), sig) {
		t.Fatal("signature does not verify")
	}
}

func TestRenderYAML(t *testing.T) {
	pub, priv := fixedKeyPair()
	out, err := renderYAML(renderKeyMaterial(config{keyID: "v1", privateMaterialFmt: "private"}, pub, priv))
	if err != nil {
		t.Fatalf("renderYAML() error = %v", err)
	}
	var doc struct {
		Signing struct {
			ActiveVersion string `yaml:"active_version"`
			PrivateRing   string `yaml:"private_ring"`
		} `yaml:"signing"`
	}
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Signing.ActiveVersion != "v1" {
		t.Fatalf("active_version = %q", doc.Signing.ActiveVersion)
	}
	assertRingEntryLen(t, doc.Signing.PrivateRing, "v1:", ed25519.PrivateKeySize)
}

func TestWriteSecretFiles(t *testing.T) {
	tmp := t.TempDir()
	cfg, err := parseConfig([]string{"--out-dir", tmp}, lookupMap(nil))
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	pub, priv := fixedKeyPair()
	lines, err := writeSecretFiles(cfg, renderKeyMaterial(cfg, pub, priv))
	if err != nil {
		t.Fatalf("writeSecretFiles() error = %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for _, l := range lines {
		if strings.Contains(l, base64.StdEncoding.EncodeToString(priv.Seed())) {
			t.Fatalf("private material leaked to stdout: %q", l)
		}
	}
	privatePath := filepath.Join(tmp, "private-ring.txt")
	assertFileMode600(t, privatePath)
	assertFileMode600(t, filepath.Join(tmp, "public-ring.txt"))
	data, err := os.ReadFile(privatePath)
	if err != nil {
		t.Fatalf("read %q: %v", privatePath, err)
	}
	assertRingEntryLen(t, strings.TrimSpace(string(data)), "v1:", ed25519.SeedSize)
}

func fixedKeyPair() (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv
}

func assertRingEntryLen(t *testing.T, line, prefix string, expectedLen int) {
	t.Helper()
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("line %q missing prefix %q", line, prefix)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, prefix))
	if err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if len(decoded) != expectedLen {
		t.Fatalf("decoded len = %d, want %d", len(decoded), expectedLen)
	}
}

func lookupMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func assertFileMode600(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %q: %v", path, err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode %q = %#o, want 0600", path, info.Mode().Perm())
	}
}
