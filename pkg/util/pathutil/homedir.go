package pathutil

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// HomeDir obtains the path to the user's home directory.
func HomeDir() string {
	home, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Warn("Cannot determine home directory")
		return ""
	}
	return home
}

// Expand resolves a leading ~ in path.
func Expand(path string) (string, error) {
	return homedir.Expand(path)
}

// EnsureDir expands path and creates it when missing.
func EnsureDir(path string) (string, error) {
	expanded, err := Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand path: %s", err)
	}
	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to expand path: %s", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if err := os.MkdirAll(absPath, 0750); err != nil {
			return "", fmt.Errorf("failed to create dir: %s", err)
		}
	}

	return absPath, nil
}

// AtomicWriteFile creates a temp file in which to write data, then renames
// it over filename. On failure the temp file is removed.
func AtomicWriteFile(filename string, data []byte) error {
	dir, name := filepath.Split(filename)
	if dir == "" {
		dir = "."
	}
	f, err := ioutil.TempFile(dir, name)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if permErr := os.Chmod(f.Name(), 0600); err == nil {
		err = permErr
	}
	if err == nil {
		err = os.Rename(f.Name(), filename)
	}

	if err != nil {
		if rmErr := os.Remove(f.Name()); rmErr != nil {
			log.WithError(rmErr).Warnf("Failed to remove file %s", f.Name())
		}
		return err
	}
	return nil
}
