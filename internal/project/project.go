package project

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

const (
	// ManifestFilename is the npm package manifest at the project root.
	ManifestFilename = "package.json"
	// NodeVersionFilename pins the Node.js version used by the project.
	NodeVersionFilename = ".nvmrc"
)

// ErrNoName is returned when no usable application name can be derived.
var ErrNoName = errors.New("unable to derive application name")

// Info describes the project root.
type Info struct {
	// Root is the absolute project root.
	Root string
	// Name is the application name used for the staging directory.
	Name string
	// Version is the package.json version, empty when unknown.
	Version string
	// NodeVersion is the first line of .nvmrc, empty when the file is absent.
	NodeVersion string
}

// packageManifest holds the subset of package.json fields the packer reads.
type packageManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Inspect reads the project root. A configured name wins over package.json,
// which in turn wins over the root directory's base name.
func Inspect(root, configuredName string) (*Info, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	manifest, err := readManifest(absRoot)
	if err != nil {
		return nil, err
	}

	name := configuredName
	if name == "" {
		name = sanitizeName(manifest.Name)
	}

	if name == "" {
		name = sanitizeName(filepath.Base(absRoot))
	}

	if name == "" {
		return nil, fmt.Errorf("%s: %w", absRoot, ErrNoName)
	}

	nodeVersion, err := readNodeVersion(absRoot)
	if err != nil {
		return nil, err
	}

	return &Info{
		Root:        absRoot,
		Name:        name,
		Version:     manifest.Version,
		NodeVersion: nodeVersion,
	}, nil
}

// readManifest parses package.json; an absent file yields an empty manifest.
func readManifest(root string) (*packageManifest, error) {
	var manifest packageManifest

	data, err := os.ReadFile(filepath.Join(root, ManifestFilename))
	if errors.Is(err, os.ErrNotExist) {
		return &manifest, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFilename, err)
	}

	if err = json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFilename, err)
	}

	return &manifest, nil
}

// sanitizeName turns an npm package name into a single path segment:
// the scope is dropped and separators are replaced.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "@") {
		if _, rest, found := strings.Cut(name, "/"); found {
			name = rest
		}
	}

	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '-'
		default:
			return r
		}
	}, name)

	if name == "." || name == ".." {
		return ""
	}

	return name
}

func readNodeVersion(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, NodeVersionFilename))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("read %s: %w", NodeVersionFilename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}

	return "", nil
}
