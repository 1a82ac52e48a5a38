package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tuya-dp-bridge/internal/zcl"
)

// profileFile is the layout of a file in the profiles directory. Custom
// cluster definitions are visible to the profiles in the same file and reach
// the shared registry only when at least one of them is accepted.
type profileFile struct {
	Clusters []zcl.ClusterDef `json:"clusters,omitempty" yaml:"clusters,omitempty"`
	Profiles []DeviceProfile  `json:"profiles" yaml:"profiles"`
}

// ParseFile decodes profile file contents. The format follows the file
// extension: .json is JSON, anything else YAML.
func ParseFile(name string, data []byte) (clusters []zcl.ClusterDef, profiles []DeviceProfile, err error) {
	var pf profileFile
	if strings.EqualFold(filepath.Ext(name), ".json") {
		err = json.Unmarshal(data, &pf)
	} else {
		err = yaml.Unmarshal(data, &pf)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return pf.Clusters, pf.Profiles, nil
}

// LoadDir reads every *.yaml, *.yml and *.json file in dir. A file that
// fails to parse and a profile that fails validation are logged and skipped.
// A missing directory yields an empty DB.
func LoadDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*DB, error) {
	db := NewDB()

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Info("profiles dir not found", "dir", dir)
		return db, nil
	}

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return db, fmt.Errorf("glob profiles dir: %w", err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		logger.Info("no profile files found", "dir", dir)
		return db, nil
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("read profile file", "path", path, "err", err)
			continue
		}
		clusters, profiles, err := ParseFile(path, data)
		if err != nil {
			logger.Warn("skip profile file", "err", err)
			continue
		}
		staged, err := stageClusters(registry, clusters)
		if err != nil {
			logger.Warn("skip profile file", "path", filepath.Base(path), "err", err)
			continue
		}
		loaded := 0
		for i := range profiles {
			p := &profiles[i]
			if err := p.Validate(staged); err != nil {
				logger.Warn("profile rejected", "path", filepath.Base(path), "err", err)
				continue
			}
			db.Add(p)
			loaded++
		}
		if loaded > 0 {
			for _, c := range clusters {
				registry.Register(c)
			}
		}
		logger.Info("loaded profile file", "path", filepath.Base(path),
			"clusters", len(clusters), "profiles", loaded)
	}

	logger.Info("profile database loaded", "files", len(paths), "profiles", db.Len())
	return db, nil
}

// stageClusters returns a copy of registry with the file's clusters merged
// in. Redefining a known attribute with another type rejects the file.
func stageClusters(registry *zcl.Registry, clusters []zcl.ClusterDef) (*zcl.Registry, error) {
	if len(clusters) == 0 {
		return registry, nil
	}
	staged := registry.Clone()
	for _, c := range clusters {
		if err := staged.CheckMerge(c); err != nil {
			return nil, err
		}
		staged.Register(c)
	}
	return staged, nil
}
