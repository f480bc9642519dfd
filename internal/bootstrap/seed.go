// Package bootstrap seeds a fresh deployment: a starter config file and
// sample knowledge-base topics. Existing files are never overwritten, so
// running it against a live deployment is safe.
package bootstrap

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates
var seedFS embed.FS

// kbFiles lists the sample knowledge-base topics to seed.
var kbFiles = []string{
	"wifi.md",
	"checkin.md",
	"house-rules.md",
	"payment.md",
}

// EnsureWorkspace seeds configPath, kbDir, and dataDir for a new
// deployment. Returns the relative paths of the files it created;
// files that already exist are left alone.
func EnsureWorkspace(configPath, kbDir, dataDir string) ([]string, error) {
	var created []string

	for _, dir := range []string{kbDir, dataDir, filepath.Join(dataDir, "conversations")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return created, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ok, err := seedFile("templates/config.json5", configPath)
	if err != nil {
		return created, err
	}
	if ok {
		created = append(created, configPath)
	}

	for _, name := range kbFiles {
		dst := filepath.Join(kbDir, name)
		ok, err := seedFile(filepath.Join("templates", "kb", name), dst)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, dst)
		}
	}

	return created, nil
}

// seedFile writes an embedded template to dst unless dst already exists.
// Returns true if the file was created.
func seedFile(src, dst string) (bool, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", dst, err)
	}
	defer f.Close()

	content, err := seedFS.ReadFile(src)
	if err != nil {
		os.Remove(dst)
		return false, fmt.Errorf("read template %s: %w", src, err)
	}

	if _, err := f.Write(content); err != nil {
		return false, fmt.Errorf("write %s: %w", dst, err)
	}
	return true, nil
}
