// Package configpaths locates usbtest configuration files.
package configpaths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "usbtest"

// names are probed, without extension, in every search directory.
var names = []string{"config", "server", "proxy", "probe"}

// Candidates are config files to try, in order, per loader.
type Candidates struct {
	JSON, YAML, TOML []string
}

// add routes path to the loader for its extension; unknown extensions
// are read as JSON.
func (c *Candidates) add(path string) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		c.YAML = append(c.YAML, path)
	case ".toml":
		c.TOML = append(c.TOML, path)
	default:
		c.JSON = append(c.JSON, path)
	}
}

func (c *Candidates) addDir(dir string, bases ...string) {
	for _, base := range bases {
		for _, ext := range []string{".json", ".yaml", ".yml", ".toml"} {
			c.add(filepath.Join(dir, base+ext))
		}
	}
}

// Search lists the config files kong should try. userPath, when set,
// comes first; then the working directory (which also accepts
// usbtest.<ext>), the user config directory and, outside Windows,
// /etc/usbtest.
func Search(userPath string) Candidates {
	var c Candidates
	if userPath != "" {
		c.add(userPath)
	}
	if wd, err := os.Getwd(); err == nil {
		c.addDir(wd, appName)
		c.addDir(wd, names...)
	}
	if dir, err := DefaultConfigDir(); err == nil {
		c.addDir(dir, names...)
	}
	if runtime.GOOS != "windows" {
		c.addDir(filepath.Join("/etc", appName), names...)
	}
	return c
}

// DefaultConfigDir is %AppData%\usbtest on Windows and the XDG config
// directory elsewhere.
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("AppData"); dir != "" {
			return filepath.Join(dir, appName), nil
		}
		return "", errors.New("AppData not set")
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", appName), nil
	}
	return "", errors.New("HOME not set")
}

// Extension maps a format name to its file extension, json by default.
func Extension(format string) string {
	switch format {
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	default:
		return "json"
	}
}

// EnsureDir creates the parent directory of filePath.
func EnsureDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0o755)
}
