package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Key is a coordination key in the KV namespace. Each key has exactly
// one writer role; see [Role].
type Key string

const (
	KeyAgentState  Key = "agent_state"
	KeySleepUntil  Key = "sleep_until"  // RFC 3339; loop must not resume before it
	KeyWakeRequest Key = "wake_request" // opaque reason; presence means wake
	KeyStartTime   Key = "start_time"
)

// Role is a component allowed to mutate coordination keys.
type Role string

const (
	RoleLoop      Role = "loop"
	RoleScheduler Role = "scheduler"
	RoleRunner    Role = "runner"
)

// ErrOwnership is returned when a role writes a key it does not own.
var ErrOwnership = errors.New("key not owned by role")

// writers maps each coordination key to the single role that may set it.
var writers = map[Key]Role{
	KeyAgentState:  RoleLoop,
	KeySleepUntil:  RoleLoop,
	KeyStartTime:   RoleLoop,
	KeyWakeRequest: RoleScheduler,
}

// consumers may delete a key they do not write. The runner clears the
// wake marker and the sleep deadline when it resumes the loop.
var consumers = map[Key]Role{
	KeySleepUntil:  RoleRunner,
	KeyWakeRequest: RoleRunner,
}

// IsCoordinationKey reports whether k is reserved for a typed accessor.
func IsCoordinationKey(k string) bool {
	_, ok := writers[Key(k)]
	return ok
}

// GetKV returns the value for key, or "" and false when unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// SetKV upserts a free-form key. Coordination keys are rejected with
// [ErrOwnership]; use the role views instead.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	if IsCoordinationKey(key) {
		return fmt.Errorf("set %s: %w", key, ErrOwnership)
	}
	return s.set(ctx, key, value)
}

// DeleteKV removes a free-form key. Missing keys are not an error.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if IsCoordinationKey(key) {
		return fmt.Errorf("delete %s: %w", key, ErrOwnership)
	}
	return s.DeleteKVs(ctx, key)
}

// DeleteKVs removes several free-form keys in one transaction.
func (s *Store) DeleteKVs(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if IsCoordinationKey(k) {
			return fmt.Errorf("delete %s: %w", k, ErrOwnership)
		}
	}
	return s.deleteKeys(ctx, keys...)
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) deleteKeys(ctx context.Context, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *Store) setOwned(ctx context.Context, role Role, key Key, value string) error {
	if writers[key] != role {
		return fmt.Errorf("%s cannot write %s: %w", role, key, ErrOwnership)
	}
	return s.set(ctx, string(key), value)
}

func (s *Store) deleteOwned(ctx context.Context, role Role, keys ...Key) error {
	names := make([]string, len(keys))
	for i, k := range keys {
		if writers[k] != role && consumers[k] != role {
			return fmt.Errorf("%s cannot delete %s: %w", role, k, ErrOwnership)
		}
		names[i] = string(k)
	}
	return s.deleteKeys(ctx, names...)
}

// ReadKV reads every coordination key. All role views embed it.
type ReadKV struct {
	s *Store
}

// Reader returns a read-only view of the coordination keys.
func (s *Store) Reader() ReadKV { return ReadKV{s: s} }

// AgentState returns the persisted lifecycle state, or [StateSetup]
// when none has been recorded.
func (r ReadKV) AgentState(ctx context.Context) (AgentState, error) {
	v, ok, err := r.s.GetKV(ctx, string(KeyAgentState))
	if err != nil || !ok {
		return StateSetup, err
	}
	return AgentState(v), nil
}

// SleepUntil returns the sleep deadline if one is set and parseable.
func (r ReadKV) SleepUntil(ctx context.Context) (time.Time, bool, error) {
	return r.timeKey(ctx, KeySleepUntil)
}

// StartTime returns when the agent first ran.
func (r ReadKV) StartTime(ctx context.Context) (time.Time, bool, error) {
	return r.timeKey(ctx, KeyStartTime)
}

// WakeRequest returns the pending wake reason, if any.
func (r ReadKV) WakeRequest(ctx context.Context) (string, bool, error) {
	return r.s.GetKV(ctx, string(KeyWakeRequest))
}

func (r ReadKV) timeKey(ctx context.Context, k Key) (time.Time, bool, error) {
	v, ok, err := r.s.GetKV(ctx, string(k))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s %q: %w", k, v, err)
	}
	return t, true, nil
}

// LoopKV is the agent loop's view: it owns agent_state, sleep_until and
// start_time.
type LoopKV struct {
	ReadKV
}

// Loop returns the agent loop's view.
func (s *Store) Loop() LoopKV { return LoopKV{ReadKV{s: s}} }

// SetAgentState records the lifecycle state.
func (kv LoopKV) SetAgentState(ctx context.Context, st AgentState) error {
	return kv.s.setOwned(ctx, RoleLoop, KeyAgentState, string(st))
}

// SetSleepUntil records the instant before which the loop must not
// resume.
func (kv LoopKV) SetSleepUntil(ctx context.Context, t time.Time) error {
	return kv.s.setOwned(ctx, RoleLoop, KeySleepUntil, t.UTC().Format(time.RFC3339Nano))
}

// SetStartTime records the first-run instant.
func (kv LoopKV) SetStartTime(ctx context.Context, t time.Time) error {
	return kv.s.setOwned(ctx, RoleLoop, KeyStartTime, t.UTC().Format(time.RFC3339Nano))
}

// SchedulerKV is the heartbeat scheduler's view: it may only raise wake
// requests.
type SchedulerKV struct {
	ReadKV
}

// Scheduler returns the heartbeat scheduler's view.
func (s *Store) Scheduler() SchedulerKV { return SchedulerKV{ReadKV{s: s}} }

// RequestWake asks a suspended loop to resume. A later request replaces
// the reason of an earlier unconsumed one.
func (kv SchedulerKV) RequestWake(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "wake"
	}
	return kv.s.setOwned(ctx, RoleScheduler, KeyWakeRequest, reason)
}

// RunnerKV is the host run loop's view: it consumes wake requests and
// clears elapsed sleep deadlines.
type RunnerKV struct {
	ReadKV
}

// Runner returns the host run loop's view.
func (s *Store) Runner() RunnerKV { return RunnerKV{ReadKV{s: s}} }

// ConsumeWake reads and clears a pending wake request together with the
// sleep deadline in a single transaction. It reports false when no wake
// request is pending.
func (kv RunnerKV) ConsumeWake(ctx context.Context) (string, bool, error) {
	tx, err := kv.s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin consume wake: %w", err)
	}
	defer tx.Rollback()

	var reason string
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, string(KeyWakeRequest)).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read wake request: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key IN (?, ?)`,
		string(KeyWakeRequest), string(KeySleepUntil)); err != nil {
		return "", false, fmt.Errorf("clear wake request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit consume wake: %w", err)
	}
	return reason, true, nil
}

// ClearSleep removes an elapsed sleep deadline.
func (kv RunnerKV) ClearSleep(ctx context.Context) error {
	return kv.s.deleteOwned(ctx, RoleRunner, KeySleepUntil)
}
