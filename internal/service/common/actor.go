//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"os/user"
)

// Actor identifies who produced an archive.
type Actor struct {
	// Hostname is the machine the packer ran on.
	Hostname string `yaml:"hostname"`
	// Username is the system user who ran the packer.
	Username string `yaml:"username"`
}

// DetectActor gathers host and user information for the archive manifest.
func DetectActor() (*Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}

	return &Actor{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
