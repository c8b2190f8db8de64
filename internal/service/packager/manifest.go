package packager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/release-packer/internal/service/common"
	"github.com/oshokin/release-packer/internal/version"
)

// ManifestSuffix is appended to the archive base name to name its manifest.
const ManifestSuffix = ".manifest.yaml"

// Manifest describes a produced archive.
type Manifest struct {
	// PackerVersion is the version of release-packer that produced the archive.
	PackerVersion string `yaml:"packer_version"`
	// RunID identifies the packaging run.
	RunID string `yaml:"run_id"`
	// App is the staging directory name.
	App string `yaml:"app"`
	// AppVersion is the package.json version, when known.
	AppVersion string `yaml:"app_version,omitempty"`
	// NodeVersion is the pinned Node.js version from .nvmrc, when present.
	NodeVersion string `yaml:"node_version,omitempty"`
	// CreatedAt is when the archive was published.
	CreatedAt time.Time `yaml:"created_at"`
	// BuiltBy identifies the host and user that ran the packer.
	BuiltBy *common.Actor `yaml:"built_by,omitempty"`
	// DependenciesInstalled tells whether the install step ran.
	DependenciesInstalled bool `yaml:"dependencies_installed"`
	// Archive is the archive file name.
	Archive string `yaml:"archive"`
	// ArchiveChecksum is the base64 SHA-512 of the archive.
	ArchiveChecksum string `yaml:"archive_checksum"`
	// Files maps staged relative paths to their base64 SHA-512 checksums.
	Files map[string]string `yaml:"files"`
}

// ManifestPath returns the manifest location for an archive.
func ManifestPath(archivePath string) string {
	dir, name := filepath.Split(archivePath)

	return filepath.Join(dir, strings.TrimSuffix(name, filepath.Ext(name))+ManifestSuffix)
}

// newManifest creates a manifest with defaults.
func newManifest(runID string) *Manifest {
	return &Manifest{
		PackerVersion: version.Short(),
		RunID:         runID,
		Files:         make(map[string]string, defaultMapCapacity),
	}
}

// fillFiles records the checksum of every staged file.
func (m *Manifest) fillFiles(ctx context.Context, stagingDir string, files []string) error {
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		checksum, err := common.FileChecksum(filepath.Join(stagingDir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("checksum %s: %w", rel, err)
		}

		m.Files[rel] = common.EncodeChecksum(checksum)
	}

	return nil
}

// save writes the manifest next to the archive.
func (m *Manifest) save(path string) error {
	contents, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), contents, manifestFileMode); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// LoadManifest reads a manifest written by a previous run.
func LoadManifest(path string) (*Manifest, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err = yaml.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	return &m, nil
}
