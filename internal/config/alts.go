package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Alt identifies one switchable character config file in the alts directory.
type Alt struct {
	// Filename is the file's base name, used as the switch target.
	Filename string `json:"filename"`

	// Name is the character's conf_name, shown in selection UIs.
	Name string `json:"name"`
}

// ScanAlts lists the character config files in dir, sorted by filename.
// Files that cannot be parsed are skipped. A missing directory yields an
// empty list rather than an error so a server without alts still works.
func ScanAlts(dir string) ([]Alt, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read alts dir %q: %w", dir, err)
	}

	var alts []Alt
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		name, err := peekConfName(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if name == "" {
			name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		alts = append(alts, Alt{Filename: e.Name(), Name: name})
	}
	sort.Slice(alts, func(i, j int) bool { return alts[i].Filename < alts[j].Filename })
	return alts, nil
}

// LoadAlt reads and validates the character config in the named file under
// dir. filename must be a bare file name; path components are rejected.
func LoadAlt(dir, filename string) (*CharacterConfig, error) {
	if filename == "" || filepath.Base(filename) != filename {
		return nil, fmt.Errorf("config: invalid alt filename %q", filename)
	}
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return nil, fmt.Errorf("config: read alt %q: %w", filename, err)
	}

	var wrapper struct {
		Character CharacterConfig `yaml:"character"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("config: decode alt %q: %w", filename, err)
	}
	if err := errors.Join(validateCharacter(&wrapper.Character, "character")...); err != nil {
		return nil, fmt.Errorf("config: alt %q: %w", filename, err)
	}
	return &wrapper.Character, nil
}

// peekConfName extracts only the conf_name from a character config file.
func peekConfName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var peek struct {
		Character struct {
			ConfName string `yaml:"conf_name"`
		} `yaml:"character"`
	}
	if err := yaml.Unmarshal(data, &peek); err != nil {
		return "", err
	}
	return peek.Character.ConfName, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
