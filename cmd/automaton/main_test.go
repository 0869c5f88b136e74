package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/automaton/internal/financial"
	"github.com/nugget/automaton/internal/heartbeat"
	"github.com/nugget/automaton/internal/state"
)

// writeTestConfig creates a config whose data directory lives under a
// temp dir and returns its path.
func writeTestConfig(t *testing.T) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfgPath = filepath.Join(dir, "config.yaml")
	yml := "name: testbot\ndata_dir: " + dataDir + "\ndb_driver: sqlite\n"
	if err := os.WriteFile(cfgPath, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dataDir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown flag", []string{"-bogus"}, "unknown flag"},
		{"unknown command", []string{"fly"}, "unknown command"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"wake without reason", []string{"wake"}, "usage: automaton wake"},
		{"send without text", []string{"send", "alice"}, "usage: automaton send"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "status"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: automaton") {
			t.Errorf("run(%v) output missing usage: %q", args, out)
		}
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "version:") {
		t.Errorf("text version output = %q", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, out)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_WakeSendStatus(t *testing.T) {
	cfgPath, dataDir := writeTestConfig(t)

	if _, err := runCmd(t, "-config", cfgPath, "wake", "new", "funds"); err != nil {
		t.Fatalf("wake: %v", err)
	}
	out, err := runCmd(t, "-config="+cfgPath, "send", "alice", "hello", "there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(out, "queued ") {
		t.Errorf("send output = %q", out)
	}

	store, err := state.Open(state.DriverPureGo, filepath.Join(dataDir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	reason, ok, err := store.Reader().WakeRequest(ctx)
	if err != nil || !ok || reason != "new funds" {
		t.Errorf("WakeRequest() = %q, %v, %v", reason, ok, err)
	}
	msgs, err := store.UnprocessedInboxMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].From != "alice" || msgs[0].Content != "hello there" {
		t.Errorf("inbox = %+v", msgs)
	}
	store.Close()

	out, err = runCmd(t, "-config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"testbot: setup", "unread inbox:  1", "wake request:  new funds"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "-config", cfgPath, "--output", "json", "status")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var st struct {
		Name        string `json:"name"`
		State       string `json:"state"`
		UnreadInbox int    `json:"unread_inbox"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if st.Name != "testbot" || st.UnreadInbox != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("config.yaml permissions = %o, want owner-only", info.Mode().Perm())
	}

	entries, err := heartbeat.LoadFile(filepath.Join(dir, "heartbeat.yml"))
	if err != nil {
		t.Fatalf("load heartbeat.yml: %v", err)
	}
	if len(entries) != len(heartbeat.DefaultEntries()) {
		t.Errorf("heartbeat entries = %d, want %d", len(entries), len(heartbeat.DefaultEntries()))
	}

	skillFiles, err := os.ReadDir(filepath.Join(dir, "skills"))
	if err != nil || len(skillFiles) == 0 {
		t.Errorf("skills not installed: %v, %d files", err, len(skillFiles))
	}

	// A second run leaves edits alone.
	custom := []byte("name: mine\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if !bytes.Equal(got, custom) {
		t.Errorf("config.yaml overwritten: %q", got)
	}
}

type fixedBalance int64

func (f fixedBalance) CreditsBalance(context.Context) (int64, error) { return int64(f), nil }

func TestStatusAdapter(t *testing.T) {
	store, err := state.Open(state.DriverPureGo, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.Loop().SetAgentState(ctx, state.StateRunning); err != nil {
		t.Fatal(err)
	}
	turn := &state.Turn{State: state.StateRunning, Thinking: "hi"}
	if err := store.InsertTurn(ctx, turn); err != nil {
		t.Fatal(err)
	}

	gate := financial.NewGate(financial.GateConfig{Credits: fixedBalance(250)})
	gate.Poll(ctx)

	a := &statusAdapter{store: store, gate: gate, model: "gpt-4o"}
	snap, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != state.StateRunning || snap.TurnCount != 1 || snap.CreditsCents != 250 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Tier != financial.TierLowCompute {
		t.Errorf("tier = %q, want low_compute", snap.Tier)
	}
	if !snap.LastTurn.Equal(turn.Timestamp) {
		t.Errorf("LastTurn = %v, want %v", snap.LastTurn, turn.Timestamp)
	}
	if snap.DefaultModel != "gpt-4o" {
		t.Errorf("DefaultModel = %q", snap.DefaultModel)
	}
}
