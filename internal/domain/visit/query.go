package visit

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/pkg/pagination"
)

// PendingCompletionList names the worklist of diagnosed visits that still
// need a prescription decision.
const PendingCompletionList = "pending-completion"

// Facade answers worklist queries over a snapshot. It never writes.
type Facade struct {
	logger zerolog.Logger
}

func NewFacade(logger zerolog.Logger) *Facade {
	return &Facade{logger: logger.With().Str("component", "worklist").Logger()}
}

// ListStage yields the waitlist entries currently in stage, in snapshot
// order. Classification runs again on every iteration. Entries that cannot
// be classified are logged and skipped.
func (f *Facade) ListStage(s *Snapshot, stage Stage, sel Selector) iter.Seq[*WaitlistEntry] {
	return f.filter(s, sel, func(c Classification) bool {
		if stage == StageAwaitingDiagnosis {
			return c.AwaitingDiagnosis()
		}
		return c.Stage == stage
	})
}

// PendingCompletion yields diagnosed visits that have not been completed.
func (f *Facade) PendingCompletion(s *Snapshot, sel Selector) iter.Seq[*WaitlistEntry] {
	return f.filter(s, sel, Classification.PendingCompletion)
}

func (f *Facade) filter(s *Snapshot, sel Selector, keep func(Classification) bool) iter.Seq[*WaitlistEntry] {
	return func(yield func(*WaitlistEntry) bool) {
		for i := 0; i < s.Len(); i++ {
			e := s.entry(i)
			c, err := Classify(e, s, sel)
			if err != nil {
				f.logger.Warn().Str("waitlist_id", e.ID.String()).Err(err).Msg("skipping unclassifiable waitlist entry")
				continue
			}
			if keep(c) && !yield(e) {
				return
			}
		}
	}
}

// Anomaly is a waitlist entry the classifier rejected.
type Anomaly struct {
	WaitlistID uuid.UUID `json:"waitlist_id"`
	Error      string    `json:"error"`
}

// Board counts entries per stage.
type Board struct {
	Counts            map[Stage]int `json:"counts"`
	PendingCompletion int           `json:"pending_completion"`
	Anomalies         []Anomaly     `json:"anomalies"`
	Total             int           `json:"total"`
	TakenAt           time.Time     `json:"taken_at"`
}

// Board classifies every entry once. One bad entry never aborts the batch.
func (f *Facade) Board(s *Snapshot, sel Selector) Board {
	b := Board{Counts: make(map[Stage]int, len(Stages)), Anomalies: []Anomaly{}, TakenAt: s.TakenAt()}
	for _, st := range Stages {
		b.Counts[st] = 0
	}
	for i := 0; i < s.Len(); i++ {
		e := s.entry(i)
		b.Total++
		c, err := Classify(e, s, sel)
		if err != nil {
			b.Anomalies = append(b.Anomalies, Anomaly{WaitlistID: e.ID, Error: err.Error()})
			continue
		}
		if c.PendingCompletion() {
			b.PendingCompletion++
			continue
		}
		b.Counts[c.Stage]++
	}
	return b
}

// WorklistQuery filters a worklist read.
type WorklistQuery struct {
	Selector Selector
	RoomID   *uuid.UUID
	Limit    int
	Offset   int
}

// Worklists reads fresh snapshots from the repository and serves them
// through the Facade.
type Worklists struct {
	repo    Repository
	facade  *Facade
	metrics Recorder
}

func NewWorklists(repo Repository, facade *Facade, metrics Recorder) *Worklists {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Worklists{repo: repo, facade: facade, metrics: metrics}
}

// List returns one page of the named worklist, which is a Stage or
// PendingCompletionList, with the total number of matching entries.
func (w *Worklists) List(ctx context.Context, list string, q WorklistQuery) ([]*WaitlistEntry, int, error) {
	snap, err := w.repo.Snapshot(ctx)
	if err != nil {
		return nil, 0, err
	}

	var seq iter.Seq[*WaitlistEntry]
	if list == PendingCompletionList {
		seq = w.facade.PendingCompletion(snap, q.Selector)
	} else {
		stage, err := ParseStage(list)
		if err != nil {
			return nil, 0, err
		}
		seq = w.facade.ListStage(snap, stage, q.Selector)
	}

	var all []*WaitlistEntry
	for e := range seq {
		if q.RoomID != nil && (e.RoomID == nil || *e.RoomID != *q.RoomID) {
			continue
		}
		all = append(all, e)
	}
	w.metrics.WorklistSize(list, len(all))

	return pagination.Slice(all, pagination.Params{Limit: q.Limit, Offset: q.Offset}), len(all), nil
}

// Board returns the stage counts over a fresh snapshot.
func (w *Worklists) Board(ctx context.Context, sel Selector) (Board, error) {
	snap, err := w.repo.Snapshot(ctx)
	if err != nil {
		return Board{}, err
	}
	b := w.facade.Board(snap, sel)
	for st, n := range b.Counts {
		w.metrics.WorklistSize(string(st), n)
	}
	w.metrics.WorklistSize(PendingCompletionList, b.PendingCompletion)
	return b, nil
}

// Classify returns the current stage of one waitlist entry.
func (w *Worklists) Classify(ctx context.Context, waitlistID uuid.UUID, sel Selector) (Classification, error) {
	snap, err := w.repo.Snapshot(ctx)
	if err != nil {
		return Classification{}, err
	}
	e, ok := snap.WaitlistEntry(waitlistID)
	if !ok {
		return Classification{}, ErrNotFound
	}
	return Classify(e, snap, sel)
}

// IsInconsistent reports whether err carries an InconsistentSnapshot.
func IsInconsistent(err error) bool {
	var ie *InconsistentSnapshot
	return errors.As(err, &ie)
}
