package archive

import (
	"encoding/json"
	"fmt"
	"os"
)

// GhostMaps is the persistent hash table for maps that appear in the
// configured rotation but are not locally installed. They can still be
// hosted (clients download them) as long as a hash is known.
type GhostMaps struct {
	path   string
	hashes map[string]int32
}

// LoadGhostMaps reads the table; a missing file yields an empty table.
func LoadGhostMaps(path string) (*GhostMaps, error) {
	g := &GhostMaps{path: path, hashes: make(map[string]int32)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("read ghost maps: %w", err)
	}
	if err := json.Unmarshal(data, &g.hashes); err != nil {
		return nil, fmt.Errorf("parse ghost maps: %w", err)
	}
	return g, nil
}

// Lookup returns the remembered hash for a ghost map.
func (g *GhostMaps) Lookup(name string) (int32, bool) {
	h, ok := g.hashes[name]
	return h, ok
}

// Learn remembers a hash (e.g. from a BATTLEOPENED of another host) and
// persists the table.
func (g *GhostMaps) Learn(name string, hash int32) error {
	if prev, ok := g.hashes[name]; ok && prev == hash {
		return nil
	}
	g.hashes[name] = hash
	return g.save()
}

// Entry builds a MapInfo for a ghost map: hash only, no geometry.
func (g *GhostMaps) Entry(name string) (*MapInfo, bool) {
	h, ok := g.hashes[name]
	if !ok {
		return nil, false
	}
	return &MapInfo{Name: name, Hash: h, Options: map[string]string{}}, true
}

func (g *GhostMaps) save() error {
	data, err := json.MarshalIndent(g.hashes, "", "  ")
	if err != nil {
		return err
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ghost maps: %w", err)
	}
	return os.Rename(tmp, g.path)
}
