// Package skills loads behavioral instruction files for the agent's
// system prompt.
//
// A skill is a markdown file in the skills directory. Optional YAML
// frontmatter names and describes it:
//
//	---
//	name: trading
//	description: How to evaluate a trade before committing funds.
//	enabled: true
//	---
//	Instructions in markdown...
//
// Files without frontmatter are loaded under their file name.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/automaton/internal/agent"
	"github.com/nugget/automaton/internal/config"
)

// Loader reads skill files from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a skill loader for the given directory. An empty
// dir yields no skills.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger}
}

// frontmatter is the optional YAML header of a skill file.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

// Skills reads every .md file in the directory, sorted by file name,
// and returns the enabled ones. A missing directory is not an error.
// A file with malformed frontmatter is skipped with a warning so one
// bad skill cannot keep the agent from waking.
func (l *Loader) Skills() ([]agent.Skill, error) {
	files, err := l.List()
	if err != nil {
		return nil, err
	}

	var out []agent.Skill
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(l.dir, f+".md"))
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", f, err)
		}
		sk, enabled, err := Parse(f, string(data))
		if err != nil {
			l.logger.Warn("skipping skill", "file", f, "error", err)
			continue
		}
		if !enabled {
			l.logger.Log(context.Background(), config.LevelTrace, "skill disabled", "name", sk.Name)
			continue
		}
		out = append(out, sk)
	}
	return out, nil
}

// List returns the base names of the skill files in the directory.
func (l *Loader) List() ([]string, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Parse splits raw into frontmatter and instructions. fallbackName is
// used when the frontmatter does not name the skill. The second return
// reports whether the skill is enabled; skills are enabled unless the
// frontmatter says otherwise.
func Parse(fallbackName, raw string) (agent.Skill, bool, error) {
	header, body, ok := splitFrontmatter(raw)
	sk := agent.Skill{Name: fallbackName, Instructions: strings.TrimSpace(raw)}
	if !ok {
		return sk, true, nil
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return agent.Skill{}, false, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name != "" {
		sk.Name = fm.Name
	}
	sk.Description = fm.Description
	sk.Instructions = strings.TrimSpace(body)
	return sk, fm.Enabled == nil || *fm.Enabled, nil
}

// splitFrontmatter returns the text between the opening and closing
// "---" lines and the remainder. ok is false when raw has no complete
// frontmatter block.
func splitFrontmatter(raw string) (header, body string, ok bool) {
	if !strings.HasPrefix(raw, "---") {
		return "", raw, false
	}

	rest := strings.TrimLeft(raw[3:], " \t")
	switch {
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	default:
		return "", raw, false
	}

	// Empty frontmatter: closing delimiter immediately follows.
	if strings.HasPrefix(rest, "---") {
		return "", strings.TrimLeft(rest[3:], "\r\n"), true
	}

	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", raw, false
	}
	return rest[:idx], strings.TrimLeft(rest[idx+4:], "\r\n"), true
}
