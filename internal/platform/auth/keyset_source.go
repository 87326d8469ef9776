package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// keysetFile is read with the YAML decoder, so the JSON form
// {"active_kid":...,"keys":{...}} loads as well.
type keysetFile struct {
	ActiveKID string            `yaml:"active_kid"`
	Keys      map[string]string `yaml:"keys"`
}

func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f keysetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}
	var ring []string
	for kid, secret := range f.Keys {
		kid, secret = strings.TrimSpace(kid), strings.TrimSpace(secret)
		if kid == "" || secret == "" {
			continue
		}
		if strings.ContainsAny(kid, ":,") || strings.Contains(secret, ",") {
			return HMACKeyset{}, fmt.Errorf("jwt keyset file entry %q contains a reserved character", kid)
		}
		ring = append(ring, kid+":"+secret)
	}
	if len(ring) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file contains no keys")
	}
	active := strings.TrimSpace(f.ActiveKID)
	if active == "" {
		active = "default"
	}
	return ParseHMACKeyset("", strings.Join(ring, ","), active)
}
