package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variables consulted by SearchPath.
const (
	EnvConfigPath = "DATABROKER_CONFIG_PATH"
	EnvPrefix     = "DATABROKER_PREFIX"
)

var extensions = []string{".yml", ".yaml"}

// SearchPath returns the directories searched for named configurations, in
// priority order.
func SearchPath() []string {
	if env := os.Getenv(EnvConfigPath); env != "" {
		var dirs []string
		for _, d := range filepath.SplitList(env) {
			if d != "" {
				dirs = append(dirs, d)
			}
		}
		return dirs
	}

	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "databroker"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "databroker"))
	}
	if prefix := os.Getenv(EnvPrefix); prefix != "" {
		dirs = append(dirs, filepath.Join(prefix, "etc", "databroker"))
	}
	return append(dirs, "/etc/databroker")
}

// Lookup loads the configuration called name from the first search
// directory that has one.
func Lookup(name string) (*Config, error) {
	path, err := Find(name)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Find returns the path of the configuration called name.
func Find(name string) (string, error) {
	dirs := SearchPath()
	for _, dir := range dirs {
		for _, ext := range extensions {
			path := filepath.Join(dir, name+ext)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}
	return "", &NotFoundError{Name: name, Searched: dirs}
}

// List returns the names of every configuration in the search path, sorted.
// Missing directories are skipped.
func List() ([]string, error) {
	seen := map[string]bool{}
	for _, dir := range SearchPath() {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			for _, want := range extensions {
				if strings.EqualFold(ext, want) {
					seen[strings.TrimSuffix(e.Name(), ext)] = true
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
