package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const devSeedContext = "open-audit-ledger-dev-signing-seed"

// DevKeyVersion names the deterministic development signing key.
const DevKeyVersion = "dev-default"

type Signer interface {
	Sign(entryHash string) (signature string, version string, err error)
}

type SignatureVerifier interface {
	Verify(version, entryHash, signature string) bool
}

// KeyRing signs with one active ed25519 key and verifies with every known
// version, so rotated keys keep validating historical entries.
type KeyRing struct {
	active  string
	private ed25519.PrivateKey
	public  map[string]ed25519.PublicKey
}

func NewKeyRing(active string, private ed25519.PrivateKey, public map[string]ed25519.PublicKey) (*KeyRing, error) {
	active = strings.TrimSpace(active)
	if active == "" {
		return nil, fmt.Errorf("active signing key version is required")
	}
	pubs := make(map[string]ed25519.PublicKey, len(public)+1)
	for id, k := range public {
		pubs[id] = k
	}
	if private != nil {
		if len(private) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid ed25519 private key length: %d", len(private))
		}
		derived, _ := private.Public().(ed25519.PublicKey)
		if existing, ok := pubs[active]; ok && !existing.Equal(derived) {
			return nil, fmt.Errorf("public key for %q does not match private key", active)
		}
		pubs[active] = derived
	}
	return &KeyRing{active: active, private: private, public: pubs}, nil
}

// DevKeyRing returns a ring holding a key derived from a fixed seed. It must
// never be used outside development.
func DevKeyRing() *KeyRing {
	sum := sha256.Sum256([]byte(devSeedContext))
	priv := ed25519.NewKeyFromSeed(sum[:ed25519.SeedSize])
	r, _ := NewKeyRing(DevKeyVersion, priv, nil)
	return r
}

// ParseKeyRing builds a ring from "id:base64" lists. privateRing must contain
// the active id; publicRing may add retired verification-only versions.
func ParseKeyRing(active, privateRing, publicRing string) (*KeyRing, error) {
	privs, err := parseRing(privateRing)
	if err != nil {
		return nil, fmt.Errorf("parse private signing keys: %w", err)
	}
	pubsRaw, err := parseRing(publicRing)
	if err != nil {
		return nil, fmt.Errorf("parse public signing keys: %w", err)
	}
	var priv ed25519.PrivateKey
	if raw, ok := privs[active]; ok {
		priv, err = ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("signing key %q: %w", active, err)
		}
	} else if len(privs) > 0 {
		ids := make([]string, 0, len(privs))
		for id := range privs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return nil, fmt.Errorf("no ed25519 private key for key_id=%q (available: %s)", active, strings.Join(ids, ","))
	}
	pubs := make(map[string]ed25519.PublicKey, len(pubsRaw)+len(privs))
	for id, raw := range privs {
		if id == active {
			continue
		}
		k, err := ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("signing key %q: %w", id, err)
		}
		pubs[id], _ = k.Public().(ed25519.PublicKey)
	}
	for id, raw := range pubsRaw {
		decoded, err := base64.StdEncoding.DecodeString(normalizeKeyMaterial(raw))
		if err != nil {
			return nil, fmt.Errorf("decode public key %q: %w", id, err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid ed25519 public key length for %q: %d", id, len(decoded))
		}
		pubs[id] = ed25519.PublicKey(decoded)
	}
	return NewKeyRing(active, priv, pubs)
}

func parseRing(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		idx := strings.IndexByte(p, ':')
		if idx <= 0 || idx >= len(p)-1 {
			return nil, fmt.Errorf("invalid key ring entry: %q", p)
		}
		id := strings.TrimSpace(p[:idx])
		val := strings.TrimSpace(p[idx+1:])
		if id == "" || val == "" {
			return nil, fmt.Errorf("invalid key ring entry: %q", p)
		}
		out[id] = val
	}
	return out, nil
}

// ParsePrivateKey accepts a base64 ed25519 seed or full private key.
func ParsePrivateKey(raw string) (ed25519.PrivateKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(normalizeKeyMaterial(raw))
	if err != nil {
		return nil, fmt.Errorf("decode base64 private key: %w", err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, fmt.Errorf("invalid ed25519 private key length: %d", len(decoded))
	}
}

func normalizeKeyMaterial(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) >= 2 {
		first := trimmed[0]
		last := trimmed[len(trimmed)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		}
	}
	return trimmed
}

func (r *KeyRing) ActiveVersion() string { return r.active }

func (r *KeyRing) Sign(entryHash string) (string, string, error) {
	if r == nil || r.private == nil {
		return "", "", fmt.Errorf("no active signing key")
	}
	sig := ed25519.Sign(r.private, []byte(entryHash))
	return hex.EncodeToString(sig), r.active, nil
}

func (r *KeyRing) Verify(version, entryHash, signature string) bool {
	if r == nil {
		return false
	}
	pub, ok := r.public[version]
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(entryHash), sig)
}

// Versions lists the verification key ids, sorted.
func (r *KeyRing) Versions() []string {
	out := make([]string, 0, len(r.public))
	for id := range r.public {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
