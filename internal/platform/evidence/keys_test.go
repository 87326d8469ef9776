package evidence

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"testing"
)

func TestResolveValueSourcePriority(t *testing.T) {
	f := t.TempDir() + "/val.txt"
	if err := os.WriteFile(f, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("VAL_ENV", "from-env")
	t.Setenv("VAL_FILE_ENV", f)
	t.Setenv("VAL_CMD_ENV", "printf from-command")

	got, err := resolveValueSource("VAL_ENV", "VAL_FILE_ENV", "VAL_CMD_ENV")
	if err != nil || got != "from-file" {
		t.Fatalf("expected file precedence, got %q err=%v", got, err)
	}

	t.Setenv("VAL_FILE_ENV", "")
	got, err = resolveValueSource("VAL_ENV", "VAL_FILE_ENV", "VAL_CMD_ENV")
	if err != nil || got != "from-command" {
		t.Fatalf("expected command precedence, got %q err=%v", got, err)
	}

	t.Setenv("VAL_CMD_ENV", "")
	got, err = resolveValueSource("VAL_ENV", "VAL_FILE_ENV", "VAL_CMD_ENV")
	if err != nil || got != "from-env" {
		t.Fatalf("expected env fallback, got %q err=%v", got, err)
	}
}

func TestResolvePublicRingFromFile(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := t.TempDir() + "/public-ring.txt"
	if err := os.WriteFile(path, []byte("v2:"+base64.StdEncoding.EncodeToString(pub)+"\n"), 0o600); err != nil {
		t.Fatalf("write ring: %v", err)
	}
	t.Setenv(PublicRingEnv, "")
	t.Setenv(PublicRingCommandEnv, "")
	t.Setenv(PublicRingFileEnv, path)

	raw, err := ResolvePublicRing()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ring, err := ParsePublicRing(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v := ring.Versions(); len(v) != 1 || v[0] != "v2" {
		t.Fatalf("unexpected versions: %v", v)
	}
	if _, _, err := ring.Sign("abc"); err == nil {
		t.Fatalf("verify-only ring must not sign")
	}
}

func TestParsePublicRingRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "v1", "v1:not-base64!", "v1:" + base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := ParsePublicRing(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
