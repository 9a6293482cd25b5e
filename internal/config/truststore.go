package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TrustStoreName is the certificate fingerprint file kept under the var
// directory.
const TrustStoreName = "trustedCerts.yaml"

// LoadTrustStore reads the persisted host -> fingerprint map. A missing
// file yields an empty store.
func LoadTrustStore(path string) (map[string][]string, error) {
	store := map[string][]string{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trust store %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("parsing trust store %s: %w", path, err)
	}
	return store, nil
}

// SaveTrustStore writes the store atomically (tmp file + rename).
func SaveTrustStore(path string, store map[string][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(store)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AddTrustedCert appends a fingerprint for host and persists the store.
// Adding an already-present fingerprint is a no-op.
func AddTrustedCert(path, host, hash string) error {
	store, err := LoadTrustStore(path)
	if err != nil {
		return err
	}
	for _, h := range store[host] {
		if strings.EqualFold(h, hash) {
			return nil
		}
	}
	store[host] = append(store[host], hash)
	return SaveTrustStore(path, store)
}

// RevokeTrustedCert removes a fingerprint for host and persists the store.
// It reports whether the fingerprint was present.
func RevokeTrustedCert(path, host, hash string) (bool, error) {
	store, err := LoadTrustStore(path)
	if err != nil {
		return false, err
	}
	hashes := store[host]
	for i, h := range hashes {
		if strings.EqualFold(h, hash) {
			store[host] = append(hashes[:i], hashes[i+1:]...)
			if len(store[host]) == 0 {
				delete(store, host)
			}
			return true, SaveTrustStore(path, store)
		}
	}
	return false, nil
}

// ListTrustedCerts renders the store (optionally filtered by host) as
// "host hash" lines, sorted for stable output.
func ListTrustedCerts(path, host string) ([]string, error) {
	store, err := LoadTrustStore(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for h, hashes := range store {
		if host != "" && h != host {
			continue
		}
		for _, hash := range hashes {
			out = append(out, h+" "+hash)
		}
	}
	sort.Strings(out)
	return out, nil
}
