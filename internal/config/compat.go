package config

import (
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

// Environment prefixes: current name first, pre-rename name second.
const (
	envPrefix    = "REACH"
	legacyPrefix = "ETPHONEHOME"
)

// promoteLegacyEnv copies ETPHONEHOME_<suffix> into REACH_<suffix> for
// every option that has a legacy value but no current one, so the rest
// of the loader only ever reads the new names.
func promoteLegacyEnv(suffixes []string) {
	for _, suffix := range suffixes {
		current := envPrefix + "_" + suffix
		if os.Getenv(current) != "" {
			continue
		}
		if v := os.Getenv(legacyPrefix + "_" + suffix); v != "" {
			os.Setenv(current, v)
		}
	}
}

// envOrLegacy reads REACH_<suffix>, then ETPHONEHOME_<suffix>, then the
// fallback.
func envOrLegacy(suffix, fallback string) string {
	if v := os.Getenv(envPrefix + "_" + suffix); v != "" {
		return v
	}
	if v := os.Getenv(legacyPrefix + "_" + suffix); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir(role string) string {
	return filepath.Join(homeDir(), ".reach", role)
}

func legacyDataDir(role string) string {
	return filepath.Join(homeDir(), ".etphonehome", role)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// MigrateDataDir copies oldDir into newDir when newDir does not exist
// yet. The old tree is left in place so downgraded builds keep working.
func MigrateDataDir(newDir, oldDir string) error {
	if _, err := os.Stat(newDir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if _, err := os.Stat(oldDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := copyTree(oldDir, newDir); err != nil {
		return fmt.Errorf("copy %s to %s: %w", oldDir, newDir, err)
	}
	log.Printf("[config] migrated legacy data dir %s to %s", oldDir, newDir)
	return nil
}

// copyTree copies regular files and directories, preserving modes.
// Anything else (sockets, symlinks) is skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
