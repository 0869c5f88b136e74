package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nugget/automaton/internal/state"
)

// File is the on-disk heartbeat schedule (heartbeat.yml).
type File struct {
	Entries []state.HeartbeatEntry `yaml:"entries"`
}

// DefaultEntries is the schedule used when no heartbeat file exists.
func DefaultEntries() []state.HeartbeatEntry {
	return []state.HeartbeatEntry{
		{Name: "heartbeat_ping", Schedule: "*/15 * * * *", Task: TaskPing, Enabled: true},
		{Name: "check_credits", Schedule: "0 */6 * * *", Task: TaskCheckCredits, Enabled: true},
		{Name: "check_inbox", Schedule: "*/5 * * * *", Task: TaskCheckInbox, Enabled: true},
	}
}

// LoadFile reads a heartbeat schedule. A missing file yields
// [DefaultEntries]. Entries with an unparseable schedule are rejected.
func LoadFile(path string) ([]state.HeartbeatEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultEntries(), nil
	}
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Entries))
	var errs []error
	for i, e := range f.Entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("entry %d: name is required", i))
			continue
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("entry %s: duplicate name", e.Name))
		}
		seen[e.Name] = true
		if e.Task == "" {
			f.Entries[i].Task = e.Name
		}
		if _, err := ParseSchedule(e.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Entries, nil
}

// WriteFile saves entries as a heartbeat schedule.
func WriteFile(path string, entries []state.HeartbeatEntry) error {
	data, err := yaml.Marshal(File{Entries: entries})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Sync upserts entries into the store. Run timestamps already recorded
// for an entry are kept.
func Sync(ctx context.Context, store *state.Store, entries []state.HeartbeatEntry) error {
	for _, e := range entries {
		if err := store.UpsertHeartbeatEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
