package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
)

func mustKey(t *testing.T, b64 string) ed25519.PrivateKey {
	t.Helper()
	k, err := ParsePrivateKey(b64)
	if err != nil {
		t.Fatalf("parse key err: %v", err)
	}
	return k
}

func seedB64(fill byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(fill), ed25519.SeedSize)))
}

func TestParseKeyRingSignsWithActiveAndVerifiesRetired(t *testing.T) {
	old, err := ParseKeyRing("k1", "k1:"+seedB64('a'), "")
	if err != nil {
		t.Fatalf("parse old ring err: %v", err)
	}
	oldSig, oldVersion, err := old.Sign("hash-1")
	if err != nil {
		t.Fatalf("sign err: %v", err)
	}

	ring, err := ParseKeyRing("k2", "k1:"+seedB64('a')+", k2:'"+seedB64('b')+"'", "")
	if err != nil {
		t.Fatalf("parse ring err: %v", err)
	}
	sig, version, err := ring.Sign("hash-2")
	if err != nil {
		t.Fatalf("sign err: %v", err)
	}
	if version != "k2" {
		t.Fatalf("expected active version k2, got %s", version)
	}
	if !ring.Verify(version, "hash-2", sig) {
		t.Fatalf("active signature must verify")
	}
	if !ring.Verify(oldVersion, "hash-1", oldSig) {
		t.Fatalf("retired signature must verify")
	}
	if ring.Verify("k1", "hash-2", sig) {
		t.Fatalf("signature must not verify under the wrong version")
	}
	if ring.Verify("unknown", "hash-2", sig) {
		t.Fatalf("unknown version must fail")
	}
	if got := strings.Join(ring.Versions(), ","); got != "k1,k2" {
		t.Fatalf("unexpected versions %s", got)
	}
}

func TestParseKeyRingPublicOnly(t *testing.T) {
	priv := mustKey(t, seedB64('c'))
	pub := base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	ring, err := ParseKeyRing("k3", "", "k3:"+pub)
	if err != nil {
		t.Fatalf("parse ring err: %v", err)
	}
	if _, _, err := ring.Sign("x"); err == nil {
		t.Fatalf("verify-only ring must not sign")
	}
	full, _ := NewKeyRing("k3", priv, nil)
	sig, _, _ := full.Sign("x")
	if !ring.Verify("k3", "x", sig) {
		t.Fatalf("public ring must verify")
	}
}

func TestParseKeyRingErrors(t *testing.T) {
	cases := map[string]struct{ active, priv, pub string }{
		"missing active": {active: "k9", priv: "k1:" + seedB64('a')},
		"malformed":      {active: "k1", priv: "k1"},
		"bad base64":     {active: "k1", priv: "k1:***"},
		"bad length":     {active: "k1", priv: "k1:" + base64.StdEncoding.EncodeToString([]byte("short"))},
		"bad public":     {active: "k1", priv: "k1:" + seedB64('a'), pub: "k0:" + base64.StdEncoding.EncodeToString([]byte("x"))},
	}
	for name, tc := range cases {
		if _, err := ParseKeyRing(tc.active, tc.priv, tc.pub); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDevKeyRingIsDeterministic(t *testing.T) {
	a, _, _ := DevKeyRing().Sign("h")
	b, _, _ := DevKeyRing().Sign("h")
	if a != b {
		t.Fatalf("dev key ring must be deterministic")
	}
}
