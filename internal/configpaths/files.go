// Package configpaths resolves where caniper looks for configuration
// files and where it keeps its own state (the API key file).
package configpaths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName   = "caniper"
	systemDir = "/etc/caniper"
)

// Format is a configuration file syntax understood by a kong loader.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
	TOML Format = "toml"
)

// extensions lists the file extensions probed per format, in order.
var extensions = map[Format][]string{
	JSON: {".json"},
	YAML: {".yaml", ".yml"},
	TOML: {".toml"},
}

// ParseFormat accepts a format name ("yml" is YAML). Unknown names return
// an empty Format.
func ParseFormat(name string) Format {
	switch strings.ToLower(name) {
	case "json":
		return JSON
	case "yaml", "yml":
		return YAML
	case "toml":
		return TOML
	}
	return ""
}

// FormatOf picks the format of path by extension, falling back to JSON.
func FormatOf(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	for f, exts := range extensions {
		for _, e := range exts {
			if e == ext {
				return f
			}
		}
	}
	return JSON
}

// Dir is the per-user configuration directory: %AppData%\CANIPER on
// windows, $XDG_CONFIG_HOME/caniper or ~/.config/caniper elsewhere.
func Dir() (string, error) {
	if runtime.GOOS == "windows" {
		appdata := os.Getenv("AppData")
		if appdata == "" {
			return "", errors.New("AppData not set")
		}
		return filepath.Join(appdata, "CANIPER"), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", errors.New("HOME not set")
	}
	return filepath.Join(home, ".config", appName), nil
}

// File returns dir/name with the canonical extension of f.
func File(dir, name string, f Format) string {
	exts, ok := extensions[f]
	if !ok {
		exts = extensions[JSON]
	}
	return filepath.Join(dir, name+exts[0])
}

// EnsureDir creates the parent directory of filePath.
func EnsureDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0o755)
}

// Candidates are the configuration files probed at startup, per format.
type Candidates map[Format][]string

// add appends every extension variant of dir/name.
func (c Candidates) add(dir string, names ...string) {
	for _, name := range names {
		for f, exts := range extensions {
			for _, e := range exts {
				c[f] = append(c[f], filepath.Join(dir, name+e))
			}
		}
	}
}

// CandidatePaths lists configuration files from the most to the least
// specific: userPath (routed by extension), the working directory, the
// user config dir, then /etc/caniper on unix.
func CandidatePaths(userPath string) Candidates {
	c := Candidates{}
	if userPath != "" {
		f := FormatOf(userPath)
		c[f] = append(c[f], userPath)
	}
	if wd, err := os.Getwd(); err == nil {
		c.add(wd, appName, "config", "server", "proxy", "dump")
	}
	if dir, err := Dir(); err == nil {
		c.add(dir, "config", "server", "proxy", "dump")
	}
	if runtime.GOOS != "windows" {
		c.add(systemDir, "config", "server", "proxy")
	}
	return c
}
