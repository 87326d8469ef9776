package auth

import (
	"fmt"
	"sort"
	"strings"
)

// HMACKeyset holds HS256 secrets by key id. Tokens are signed with ActiveKID
// and verified with whichever key their kid header names.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from a single secret and/or a
// "kid:secret,kid:secret" ring. A lone secret is registered as "default".
func ParseHMACKeyset(secret, ring, active string) (HMACKeyset, error) {
	keys := map[string][]byte{}
	if s := strings.TrimSpace(secret); s != "" {
		keys["default"] = []byte(s)
	}
	for _, part := range strings.Split(ring, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, sec, ok := strings.Cut(part, ":")
		kid, sec = strings.TrimSpace(kid), strings.TrimSpace(sec)
		if !ok || kid == "" || sec == "" {
			return HMACKeyset{}, fmt.Errorf("invalid jwt keyset entry %q", part)
		}
		keys[kid] = []byte(sec)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset contains no keys")
	}
	active = strings.TrimSpace(active)
	if active == "" {
		if _, ok := keys["default"]; ok {
			active = "default"
		} else if len(keys) == 1 {
			for kid := range keys {
				active = kid
			}
		} else {
			return HMACKeyset{}, fmt.Errorf("active kid is required for a multi-key keyset")
		}
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

func (k HMACKeyset) KIDs() []string {
	out := make([]string, 0, len(k.Keys))
	for kid := range k.Keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}
