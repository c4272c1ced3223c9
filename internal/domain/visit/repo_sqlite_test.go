package visit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "visitflow.db")

	store, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	saga := NewSaga(store, zerolog.Nop())
	patient := uuid.New()
	form := ExamForm{DoctorID: uuid.New(), Reason: "headache"}
	entry, err := saga.CheckIn(ctx, patient, nil, t0)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	run, err := saga.AdvanceFromExam(ctx, patient, entry.ID, form, WithIdempotencyKey("exam-1"))
	if err != nil {
		t.Fatalf("exam: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Path() != path {
		t.Errorf("Path() = %q, want %q", reopened.Path(), path)
	}

	snap, err := reopened.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	e, ok := snap.WaitlistEntry(entry.ID)
	if !ok {
		t.Fatal("waitlist entry lost on reopen")
	}
	if c := mustClassify(t, e, snap, Selector{}); c.Stage != StageAwaitingServiceAssignment {
		t.Errorf("expected %s after reopen, got %s", StageAwaitingServiceAssignment, c.Stage)
	}

	resaga := NewSaga(reopened, zerolog.Nop())
	replayed, err := resaga.AdvanceFromExam(ctx, patient, entry.ID, form, WithIdempotencyKey("exam-1"))
	if err != nil {
		t.Fatalf("replay after reopen: %v", err)
	}
	if replayed.ID != run.ID {
		t.Errorf("journal not restored: replay gave run %s, want %s", replayed.ID, run.ID)
	}
	if replayed.PayloadHash == nil || run.PayloadHash == nil || *replayed.PayloadHash != *run.PayloadHash {
		t.Errorf("payload hash not restored: %v vs %v", replayed.PayloadHash, run.PayloadHash)
	}
	other := form
	other.Reason = "migraine"
	if _, err := resaga.AdvanceFromExam(ctx, patient, entry.ID, other, WithIdempotencyKey("exam-1")); !errors.Is(err, ErrConflict) {
		t.Errorf("reused key with another form: expected conflict, got %v", err)
	}
}

func TestSQLiteStore_EmptyDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Len() != 0 {
		t.Errorf("expected an empty snapshot, got %d entries", snap.Len())
	}
	_, total, err := store.ListRuns(ctx, "", 10, 0)
	if err != nil || total != 0 {
		t.Errorf("expected no runs, got %d (%v)", total, err)
	}
}
