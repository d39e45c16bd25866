package sqlite_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ctfrange/internal/adapter/sqlite"
	"ctfrange/internal/machine"
)

var t0 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ctfrange.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func instance(id string) machine.Instance {
	return machine.Instance{
		ID:            id,
		Contest:       "ctf2026",
		Challenge:     "pwn-heap",
		UserID:        "u1",
		TeamID:        "team-7",
		ContainerID:   "c-" + id,
		Host:          "localhost",
		Port:          42000,
		DynamicSecret: "flag{deadbeef}",
		Status:        machine.StatusRunning,
		CreatedAt:     t0,
		ExpiresAt:     t0.Add(30 * time.Minute),
	}
}

func TestInsertRunningAndGet(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	want := instance("m1")
	if err := store.InsertRunning(ctx, want, 1); err != nil {
		t.Fatalf("InsertRunning: %v", err)
	}

	got, err := store.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Contest != want.Contest || got.Challenge != want.Challenge ||
		got.UserID != want.UserID || got.TeamID != want.TeamID {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.Port != 42000 || got.DynamicSecret != want.DynamicSecret {
		t.Fatalf("payload mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(t0) || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("timestamps mismatch: created=%v expires=%v", got.CreatedAt, got.ExpiresAt)
	}
}

func TestGetUnknown(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(t.Context(), "nope"); !errors.Is(err, machine.ErrInstanceNotFound) {
		t.Fatalf("err = %v, want ErrInstanceNotFound", err)
	}
}

func TestInsertRunningEnforcesLimit(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	if err := store.InsertRunning(ctx, instance("m1"), 1); err != nil {
		t.Fatalf("first InsertRunning: %v", err)
	}

	second := instance("m2")
	second.Port = 42001
	if err := store.InsertRunning(ctx, second, 1); !errors.Is(err, machine.ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if _, err := store.Get(ctx, "m2"); !errors.Is(err, machine.ErrInstanceNotFound) {
		t.Fatal("rejected insert left a record behind")
	}

	// A teammate counts against the same owner.
	teammate := instance("m3")
	teammate.UserID = "u2"
	teammate.Port = 42002
	if err := store.InsertRunning(ctx, teammate, 1); !errors.Is(err, machine.ErrAlreadyRunning) {
		t.Fatalf("teammate err = %v, want ErrAlreadyRunning", err)
	}

	// A different owner is unaffected.
	other := instance("m4")
	other.UserID = "u9"
	other.TeamID = "team-9"
	other.Port = 42003
	if err := store.InsertRunning(ctx, other, 1); err != nil {
		t.Fatalf("other owner InsertRunning: %v", err)
	}
}

func TestLimitCountsOnlyRunning(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	if err := store.InsertRunning(ctx, instance("m1"), 1); err != nil {
		t.Fatalf("InsertRunning: %v", err)
	}
	if _, err := store.MarkReclaimed(ctx, "m1", machine.StatusStopped); err != nil {
		t.Fatalf("MarkReclaimed: %v", err)
	}

	next := instance("m2")
	next.Port = 42001
	if err := store.InsertRunning(ctx, next, 1); err != nil {
		t.Fatalf("InsertRunning after stop: %v", err)
	}

	n, err := store.CountRunning(ctx, "ctf2026", "pwn-heap", "team-7")
	if err != nil {
		t.Fatalf("CountRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("running count = %d, want 1", n)
	}
}

func TestMarkReclaimedClearsResources(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	if err := store.InsertRunning(ctx, instance("m1"), 1); err != nil {
		t.Fatalf("InsertRunning: %v", err)
	}

	got, err := store.MarkReclaimed(ctx, "m1", machine.StatusStopped)
	if err != nil {
		t.Fatalf("MarkReclaimed: %v", err)
	}
	if got.Status != machine.StatusStopped || got.Port != 0 || got.ContainerID != "" {
		t.Fatalf("record not cleared: %+v", got)
	}

	// Idempotent: a second reclaim returns the terminal record unchanged,
	// even with a different requested status.
	again, err := store.MarkReclaimed(ctx, "m1", machine.StatusError)
	if err != nil {
		t.Fatalf("second MarkReclaimed: %v", err)
	}
	if again.Status != machine.StatusStopped {
		t.Fatalf("terminal status overwritten: %q", again.Status)
	}
}

func TestMarkReclaimedRejectsNonTerminal(t *testing.T) {
	store := openStore(t)
	if _, err := store.MarkReclaimed(t.Context(), "m1", machine.StatusRunning); err == nil {
		t.Fatal("expected error for non-terminal reclaim status")
	}
}

func TestExtendRunningConflict(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	if err := store.InsertRunning(ctx, instance("m1"), 1); err != nil {
		t.Fatalf("InsertRunning: %v", err)
	}

	extended, err := store.ExtendRunning(ctx, "m1", 0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ExtendRunning: %v", err)
	}
	if extended.ExtendCount != 1 || !extended.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("extend result: count=%d expires=%v", extended.ExtendCount, extended.ExpiresAt)
	}

	// Replaying the same fromCount loses the CAS.
	if _, err := store.ExtendRunning(ctx, "m1", 0, t0.Add(2*time.Hour)); !errors.Is(err, machine.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// A stopped instance cannot be extended.
	if _, err := store.MarkReclaimed(ctx, "m1", machine.StatusStopped); err != nil {
		t.Fatalf("MarkReclaimed: %v", err)
	}
	if _, err := store.ExtendRunning(ctx, "m1", 1, t0.Add(3*time.Hour)); !errors.Is(err, machine.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	if _, err := store.ExtendRunning(ctx, "ghost", 0, t0.Add(time.Hour)); !errors.Is(err, machine.ErrInstanceNotFound) {
		t.Fatalf("err = %v, want ErrInstanceNotFound", err)
	}
}

func TestRunningPortsAndListExpired(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	expired := instance("old")
	expired.ExpiresAt = t0.Add(-time.Minute)
	if err := store.InsertRunning(ctx, expired, 1); err != nil {
		t.Fatalf("InsertRunning old: %v", err)
	}

	alive := instance("new")
	alive.UserID = "u9"
	alive.TeamID = "team-9"
	alive.Port = 42001
	alive.ExpiresAt = t0.Add(25 * time.Minute)
	if err := store.InsertRunning(ctx, alive, 1); err != nil {
		t.Fatalf("InsertRunning new: %v", err)
	}

	ports, err := store.RunningPorts(ctx)
	if err != nil {
		t.Fatalf("RunningPorts: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("running ports = %v, want two entries", ports)
	}

	got, err := store.ListExpired(ctx, t0)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("expired = %+v, want just old", got)
	}

	// Sub-second expiry boundaries must compare correctly despite the string
	// storage.
	fractional := instance("frac")
	fractional.UserID = "u5"
	fractional.TeamID = "team-5"
	fractional.Port = 42002
	fractional.ExpiresAt = t0.Add(-500 * time.Millisecond)
	if err := store.InsertRunning(ctx, fractional, 1); err != nil {
		t.Fatalf("InsertRunning frac: %v", err)
	}
	got, err = store.ListExpired(ctx, t0)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expired count = %d, want 2", len(got))
	}
}

func TestInsertErrorBypassesLimit(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	if err := store.InsertRunning(ctx, instance("m1"), 1); err != nil {
		t.Fatalf("InsertRunning: %v", err)
	}

	failed := instance("m2")
	failed.Status = machine.StatusError
	failed.Port = 0
	if err := store.InsertError(ctx, failed); err != nil {
		t.Fatalf("InsertError: %v", err)
	}

	n, err := store.CountRunning(ctx, "ctf2026", "pwn-heap", "team-7")
	if err != nil {
		t.Fatalf("CountRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("running count = %d, error records must not count", n)
	}
}

func TestChallengeDirectoryRoundtrip(t *testing.T) {
	ctx := t.Context()
	store := openStore(t)

	if err := store.UpsertChallenge(ctx, machine.Challenge{
		Contest:         "ctf2026",
		Slug:            "pwn-heap",
		MachinesEnabled: true,
		WindowStart:     t0,
		WindowEnd:       t0.Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("UpsertChallenge: %v", err)
	}
	if err := store.UpsertConfig(ctx, machine.Config{
		Contest:                  "ctf2026",
		Challenge:                "pwn-heap",
		Image:                    "registry.test/pwn-heap:latest",
		ContainerPort:            1337,
		MaxInstancesPerPrincipal: 1,
		MaxRuntimeMinutes:        30,
		ExtendMinutesDefault:     30,
		ExtendMaxTimes:           1,
		ExtendThresholdMinutes:   15,
		SecretPrefix:             "flag",
		SecretSalt:               "s3cret-salt",
		Environment:              map[string]string{"DIFFICULTY": "hard"},
	}); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}

	ch, err := store.Challenge(ctx, "ctf2026", "pwn-heap")
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	if !ch.MachinesEnabled || !ch.WindowStart.Equal(t0) {
		t.Fatalf("challenge row mismatch: %+v", ch)
	}
	if ch.Config == nil {
		t.Fatal("config not attached")
	}
	if ch.Config.Image != "registry.test/pwn-heap:latest" || ch.Config.ContainerPort != 1337 {
		t.Fatalf("config mismatch: %+v", ch.Config)
	}
	if ch.Config.Environment["DIFFICULTY"] != "hard" {
		t.Fatalf("environment lost: %v", ch.Config.Environment)
	}
	if ch.Config.SecretSalt != "s3cret-salt" {
		t.Fatalf("secret salt lost: %q", ch.Config.SecretSalt)
	}

	// Upsert replaces in place.
	if err := store.UpsertConfig(ctx, machine.Config{
		Contest:   "ctf2026",
		Challenge: "pwn-heap",
		Image:     "registry.test/pwn-heap:v2",
	}); err != nil {
		t.Fatalf("second UpsertConfig: %v", err)
	}
	ch, err = store.Challenge(ctx, "ctf2026", "pwn-heap")
	if err != nil {
		t.Fatalf("Challenge after update: %v", err)
	}
	if ch.Config.Image != "registry.test/pwn-heap:v2" {
		t.Fatalf("image not updated: %q", ch.Config.Image)
	}
}

func TestChallengeNotFound(t *testing.T) {
	store := openStore(t)
	if _, err := store.Challenge(t.Context(), "ctf2026", "missing"); err == nil {
		t.Fatal("expected error for unknown challenge")
	}
}

func TestUpsertConfigRequiresImage(t *testing.T) {
	store := openStore(t)
	err := store.UpsertConfig(t.Context(), machine.Config{Contest: "c", Challenge: "ch"})
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}
