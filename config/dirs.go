package config

import (
	"fmt"
	"os"
)

// EnsureDirs creates the local directories vdisk writes to.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.KernelDir,
		c.LockDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
