package domain

import (
	"fmt"
	"time"

	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
)

// Item is a single learnable entry parsed from a deck file: the prompt
// (usually the target word), its answer and an optional usage context.
type Item struct {
	Prompt   string `json:"prompt"`
	Answer   string `json:"answer"`
	Context  string `json:"context,omitempty"`
	Hash     string `json:"hash"`
	SourceID int64  `json:"source_id,omitempty"`
	Retired  bool   `json:"retired,omitempty"`
}

// Card is one learner's scheduling record for one item.
type Card struct {
	ID        string    `json:"id"`
	LearnerID string    `json:"learner_id"`
	ItemHash  string    `json:"item_hash"`
	CreatedAt time.Time `json:"created_at"`
	fsrs.Card
}

// ReviewLog records a single review event for a card.
// Entries are append-only; only the most recent one may be removed, by an undo.
type ReviewLog struct {
	ID             string      `json:"id"`
	CardID         string      `json:"card_id"`
	Rating         fsrs.Rating `json:"rating"`
	StateBefore    fsrs.State  `json:"state_before"`
	StateAfter     fsrs.State  `json:"state_after"`
	ResponseTimeMs *int64      `json:"response_time_ms,omitempty"`
	ElapsedDays    float64     `json:"elapsed_days"`
	ScheduledDays  float64     `json:"scheduled_days"`
	ReviewedAt     time.Time   `json:"reviewed_at"`
}

// Stats are a learner's aggregate review counters.
type Stats struct {
	LearnerID     string `json:"learner_id"`
	TimesReviewed int    `json:"times_reviewed"`
	TimesCorrect  int    `json:"times_correct"`
}

// Source is where deck files are read from: a local directory or a git URL.
type Source struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Type        string     `json:"type"` // "local" or "git"
	LastScanned *time.Time `json:"last_scanned,omitempty"`
}

const (
	SourceLocal = "local"
	SourceGit   = "git"
)

// ReviewCommit is everything a store must persist atomically for one review:
// the new card snapshot, the log entry and the learner's counters.
type ReviewCommit struct {
	Card Card
	// ExpectedReps is the reps value the card had when it was read; the
	// write fails with a conflict if another review landed in between.
	ExpectedReps int
	Log          ReviewLog
	Correct      bool
}

// UndoCommit restores a card and the learner's counters from caller-supplied
// snapshots and removes the card's most recent review log entry.
type UndoCommit struct {
	CardID    string
	LearnerID string
	Snapshot  fsrs.Card
	Stats     Stats
}

// Precedes checks that the snapshot is the card as it was right before last,
// its most recent review, given the card's current reps. A replayed or stale
// undo fails with a conflict.
func (uc UndoCommit) Precedes(reps int, last ReviewLog) error {
	if uc.Snapshot.Reps != reps-1 || uc.Snapshot.State != last.StateBefore {
		return kerrors.NewConflict(fmt.Sprintf(
			"snapshot (reps %d, %s) does not precede the latest review of card %s (reps %d, from %s)",
			uc.Snapshot.Reps, uc.Snapshot.State, uc.CardID, reps, last.StateBefore))
	}
	return nil
}
