package seeder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

type fileEntry struct {
	ID      string         `yaml:"id"`
	Type    string         `yaml:"type"`
	Source  string         `yaml:"source"`
	Profile map[string]any `yaml:"profile"`
}

// LoadFile reads seeds from path. Files ending in .yaml or .yml hold a list
// of {id, type, source, profile}; anything else is one id per line, with
// blank lines and lines starting with '#' ignored. Entries without a source
// or type get the supplied defaults.
func LoadFile(path string, source graph.Source, entityType graph.EntityType) ([]SeedEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data, source, entityType)
	default:
		return ParseLines(data, source, entityType)
	}
}

// ParseYAML decodes a YAML seed list.
func ParseYAML(data []byte, source graph.Source, entityType graph.EntityType) ([]SeedEntity, error) {
	var entries []fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode seeds: %w", err)
	}
	seeds := make([]SeedEntity, 0, len(entries))
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("seed %d: id is required", i)
		}
		ref := graph.EntityRef{Source: source, ID: id, Type: entityType}
		if e.Source != "" {
			ref.Source = graph.Source(e.Source)
		}
		if e.Type != "" {
			ref.Type = graph.ParseEntityType(e.Type)
		}
		seed := SeedEntity{Ref: ref}
		if len(e.Profile) > 0 {
			raw, err := json.Marshal(e.Profile)
			if err != nil {
				return nil, fmt.Errorf("seed %s: encode profile: %w", id, err)
			}
			seed.Profile = raw
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// ParseLines decodes one id per line.
func ParseLines(data []byte, source graph.Source, entityType graph.EntityType) ([]SeedEntity, error) {
	var seeds []SeedEntity
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, SeedEntity{Ref: graph.EntityRef{Source: source, ID: line, Type: entityType}})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan seeds: %w", err)
	}
	return seeds, nil
}
