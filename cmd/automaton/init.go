package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/automaton/internal/defaults"
	"github.com/nugget/automaton/internal/heartbeat"
)

// runInit initializes a data directory with the shipped config, the
// default heartbeat schedule and the bundled skills. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing automaton workspace in %s\n", dir)

	skillsDir := filepath.Join(dir, "skills")
	if err := os.MkdirAll(skillsDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", skillsDir, err)
	}

	// The config may carry API keys.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	hbPath := filepath.Join(dir, "heartbeat.yml")
	if _, err := os.Stat(hbPath); err != nil {
		if err := heartbeat.WriteFile(hbPath, heartbeat.DefaultEntries()); err != nil {
			return fmt.Errorf("write %s: %w", hbPath, err)
		}
	}
	fmt.Fprintf(w, "  ✓ %s\n", hbPath)

	err := fs.WalkDir(defaults.Skills, "skills", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		content, err := defaults.Skills.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}
		dest := filepath.Join(skillsDir, d.Name())
		if err := writeIfMissing(dest, content, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", dest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install skills: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then start the agent with: automaton -config config.yaml run")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
