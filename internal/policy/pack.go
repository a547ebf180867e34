package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack is a named bundle of command rules dropped into the packs directory.
type Pack struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	PackVersion string `json:"version" yaml:"version"`
	Author      string `json:"author" yaml:"author"`
	Rules       []Rule `json:"rules" yaml:"rules"`
}

// PackInfo is a summary of a pack for listing.
type PackInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Author      string `json:"author,omitempty"`
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	RuleCount   int    `json:"ruleCount"`
	Error       string `json:"error,omitempty"`
}

// LoadPacks reads every .json/.yaml file from packsDir and appends its rules
// after the base rules. A file whose name starts with "_" is listed but not
// merged. A pack that fails to parse is reported in its PackInfo and skipped;
// FileProvider refuses to hand out a policy while an enabled pack is broken.
func LoadPacks(packsDir string, base *CommandPolicy) (*CommandPolicy, []PackInfo, error) {
	var infos []PackInfo

	entries, err := os.ReadDir(packsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil, nil
		}
		return nil, nil, err
	}

	result := &CommandPolicy{Rules: make([]Rule, len(base.Rules))}
	copy(result.Rules, base.Rules)

	for _, entry := range entries {
		if entry.IsDir() || !isPackFile(entry.Name()) {
			continue
		}

		path := filepath.Join(packsDir, entry.Name())
		baseName := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		enabled := !strings.HasPrefix(baseName, "_")

		pack, err := loadPack(path)
		if err != nil {
			infos = append(infos, PackInfo{
				Name:    baseName,
				Enabled: enabled,
				Path:    path,
				Error:   err.Error(),
			})
			continue
		}

		info := PackInfo{
			Name:        pack.Name,
			Description: pack.Description,
			Version:     pack.PackVersion,
			Author:      pack.Author,
			Enabled:     enabled,
			Path:        path,
			RuleCount:   len(pack.Rules),
		}
		if info.Name == "" {
			info.Name = baseName
		}
		infos = append(infos, info)

		if enabled {
			result.Rules = append(result.Rules, pack.Rules...)
		}
	}

	return result, infos, nil
}

func loadPack(path string) (*Pack, error) {
	// #nosec G304 -- pack files live in the guard state dir.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pack Pack
	if isYAMLFile(path) {
		err = yaml.Unmarshal(data, &pack)
	} else {
		err = json.Unmarshal(data, &pack)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse pack %s: %w", path, err)
	}
	return &pack, nil
}

func isPackFile(name string) bool {
	return isYAMLFile(name) || strings.EqualFold(filepath.Ext(name), ".json")
}
