package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const agoraRootDir = ".agora"

// EnsureStateDir creates (if needed) and returns the node's state
// directory. An empty dir selects ~/.agora.
func EnsureStateDir(dir string) (string, error) {
	if dir == "" {
		base, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("unable to retrieve user home dir: %v", err)
		}
		dir = filepath.Join(base, agoraRootDir)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("unable to create state dir: %v", err)
	}

	return dir, nil
}
