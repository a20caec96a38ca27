package review

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
	"github.com/conorfennell/kioku/internal/storage"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *Service
	db     *storage.DB
	clock  *clock
	source int64
}

func newFixture(t *testing.T, hashes ...string) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "kioku.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	src, err := db.InsertSource(ctx, "decks/jp", domain.SourceLocal)
	require.NoError(t, err)
	for _, h := range hashes {
		_, err := db.UpsertItem(ctx, domain.Item{Prompt: "word " + h, Answer: "meaning", Hash: h}, src)
		require.NoError(t, err)
	}

	sched, err := fsrs.NewScheduler(fsrs.DefaultParams())
	require.NoError(t, err)
	c := &clock{t: t0}
	return &fixture{svc: New(db, sched, WithClock(c.now)), db: db, clock: c, source: src}
}

func (f *fixture) enroll(t *testing.T, learner, hash string) domain.Card {
	t.Helper()
	out, err := f.svc.Enroll(context.Background(), learner, hash)
	require.NoError(t, err)
	return out.Card
}

func TestEnroll(t *testing.T) {
	f := newFixture(t, "h1", "h2")
	ctx := context.Background()

	first, err := f.svc.Enroll(ctx, "alice", "h1")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, fsrs.New, first.Card.State)
	assert.True(t, first.Card.Due.Equal(t0))
	assert.Len(t, first.Card.ID, 26)

	again, err := f.svc.Enroll(ctx, "alice", "h1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Card.ID, again.Card.ID)

	_, err = f.svc.Enroll(ctx, "alice", "missing")
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	require.NoError(t, f.db.RetireItem(ctx, "h2", t0))
	_, err = f.svc.Enroll(ctx, "alice", "h2")
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest))

	_, err = f.svc.Enroll(ctx, "", "h1")
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest))
}

func TestEnrollSource(t *testing.T) {
	f := newFixture(t, "h1", "h2", "h3")
	ctx := context.Background()
	f.enroll(t, "alice", "h2")

	out, err := f.svc.EnrollSource(ctx, "alice", f.source)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Enrolled)
	assert.Equal(t, 1, out.Existing)

	_, err = f.svc.EnrollSource(ctx, "alice", 404)
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}

func TestReview_PersistsCardLogAndStats(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	ms := int64(2400)
	out, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Good, ResponseTimeMs: &ms})
	require.NoError(t, err)

	assert.Equal(t, fsrs.New, out.PreviousState)
	assert.Equal(t, fsrs.Review, out.NewState)
	assert.InDelta(t, 2.0, out.ScheduledDays, 1e-9)
	assert.Equal(t, card.Card, out.Previous)
	assert.Equal(t, domain.Stats{LearnerID: "alice"}, out.Stats)

	stored, err := f.db.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Reps)
	assert.True(t, stored.Due.Equal(t0.Add(48*time.Hour)))

	logs, err := f.svc.History(ctx, "alice", card.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, out.LogID, logs[0].ID)
	assert.Equal(t, fsrs.Good, logs[0].Rating)
	require.NotNil(t, logs[0].ResponseTimeMs)
	assert.Equal(t, ms, *logs[0].ResponseTimeMs)

	st, err := f.svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TimesReviewed)
	assert.Equal(t, 1, st.TimesCorrect)
}

func TestReview_Validation(t *testing.T) {
	f := newFixture(t, "h1")
	card := f.enroll(t, "alice", "h1")
	neg := int64(-1)

	tests := []struct {
		name  string
		input ReviewInput
	}{
		{"missing card", ReviewInput{LearnerID: "alice", Rating: fsrs.Good}},
		{"missing learner", ReviewInput{CardID: card.ID, Rating: fsrs.Good}},
		{"unknown rating", ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Rating(9)}},
		{"negative response time", ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Hard, ResponseTimeMs: &neg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Review(context.Background(), tt.input)
			require.Error(t, err)
			assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest), err.Error())
		})
	}
}

func TestReview_OtherLearnersCardIsNotFound(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	_, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "mallory", Rating: fsrs.Easy})
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
	_, err = f.svc.History(ctx, "mallory", card.ID, 0)
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
	_, err = f.svc.Preview(ctx, "mallory", card.ID)
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	_, err = f.svc.Review(ctx, ReviewInput{CardID: "nope", LearnerID: "alice", Rating: fsrs.Easy})
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}

func TestUnreview_RestoresExactlyWhatReviewChanged(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	// Build up some history first.
	for _, r := range []fsrs.Rating{fsrs.Good, fsrs.Good, fsrs.Hard} {
		f.clock.advance(72 * time.Hour)
		_, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: r})
		require.NoError(t, err)
	}
	before, err := f.db.GetCard(ctx, card.ID)
	require.NoError(t, err)
	statsBefore, err := f.svc.Stats(ctx, "alice")
	require.NoError(t, err)
	historyBefore, err := f.svc.History(ctx, "alice", card.ID, 0)
	require.NoError(t, err)

	f.clock.advance(30 * 24 * time.Hour)
	out, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Again})
	require.NoError(t, err)
	assert.Equal(t, fsrs.Relearning, out.NewState)

	undone, err := f.svc.Unreview(ctx, UnreviewInput{
		CardID:    card.ID,
		LearnerID: "alice",
		Snapshot:  out.Previous,
		Stats:     out.Stats,
	})
	require.NoError(t, err)
	assert.Equal(t, out.LogID, undone.Removed.ID)

	after, err := f.db.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Stability, after.Stability)
	assert.Equal(t, before.Difficulty, after.Difficulty)
	assert.Equal(t, before.ElapsedDays, after.ElapsedDays)
	assert.Equal(t, before.ScheduledDays, after.ScheduledDays)
	assert.Equal(t, before.Reps, after.Reps)
	assert.Equal(t, before.Lapses, after.Lapses)
	assert.Equal(t, before.Due.UnixNano(), after.Due.UnixNano())
	assert.Equal(t, before.LastReview.UnixNano(), after.LastReview.UnixNano())

	statsAfter, err := f.svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, statsBefore, statsAfter)

	historyAfter, err := f.svc.History(ctx, "alice", card.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, historyBefore, historyAfter)
}

func TestUnreview_Errors(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	_, err := f.svc.Unreview(ctx, UnreviewInput{CardID: card.ID, LearnerID: "alice", Snapshot: card.Card})
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound), "nothing to undo")

	bad := card.Card
	bad.State = fsrs.State(8)
	_, err = f.svc.Unreview(ctx, UnreviewInput{CardID: card.ID, LearnerID: "alice", Snapshot: bad})
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest))

	_, err = f.svc.Unreview(ctx, UnreviewInput{CardID: card.ID, LearnerID: "alice", Snapshot: card.Card,
		Stats: domain.Stats{TimesReviewed: 1, TimesCorrect: 2}})
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest))

	_, err = f.svc.Unreview(ctx, UnreviewInput{CardID: card.ID, LearnerID: "bob", Snapshot: card.Card})
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}

func TestUnreview_ReplayedOrStaleSnapshotConflicts(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	r1, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Good})
	require.NoError(t, err)
	f.clock.advance(72 * time.Hour)
	r2, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Good})
	require.NoError(t, err)

	// Undoing the first review while the second is still on top is refused.
	_, err = f.svc.Unreview(ctx, UnreviewInput{CardID: card.ID, LearnerID: "alice", Snapshot: r1.Previous, Stats: r1.Stats})
	assert.True(t, kerrors.Is(err, kerrors.ErrConflict), "got %v", err)

	undo := UnreviewInput{CardID: card.ID, LearnerID: "alice", Snapshot: r2.Previous, Stats: r2.Stats}
	out, err := f.svc.Unreview(ctx, undo)
	require.NoError(t, err)
	assert.Equal(t, r2.LogID, out.Removed.ID)

	// A retried request must not eat the first review's log entry.
	_, err = f.svc.Unreview(ctx, undo)
	assert.True(t, kerrors.Is(err, kerrors.ErrConflict), "got %v", err)

	logs, err := f.svc.History(ctx, "alice", card.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, r1.LogID, logs[0].ID)

	stored, err := f.db.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Reps)
	assert.Equal(t, r1.Card.Stability, stored.Stability)
	assert.Equal(t, r1.Card.Due.UnixNano(), stored.Due.UnixNano())

	st, err := f.svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TimesReviewed)
}

func TestUnreview_RejectsDifficultyOutOfRange(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	f.clock.advance(time.Minute)
	r1, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Good})
	require.NoError(t, err)
	r2, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Hard})
	require.NoError(t, err)
	require.Equal(t, 1, r2.Previous.Reps)

	for _, d := range []float64{0, 0.5, 10.5} {
		snap := r2.Previous
		snap.Difficulty = d
		_, err := f.svc.Unreview(ctx, UnreviewInput{CardID: card.ID, LearnerID: "alice", Snapshot: snap, Stats: r2.Stats})
		assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest), "difficulty %v: got %v", d, err)
	}

	_, err = f.svc.Unreview(ctx, UnreviewInput{CardID: card.ID, LearnerID: "alice", Snapshot: r2.Previous, Stats: r2.Stats})
	require.NoError(t, err)
	assert.Equal(t, r1.Card.Difficulty, r2.Previous.Difficulty)
}

func TestReview_ConcurrentSameCardIsSerialised(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Review(ctx, ReviewInput{CardID: card.ID, LearnerID: "alice", Rating: fsrs.Ratings[i%4]})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.db.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, n, stored.Reps)
	logs, err := f.svc.History(ctx, "alice", card.ID, 100)
	require.NoError(t, err)
	assert.Len(t, logs, n)
	st, err := f.svc.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, n, st.TimesReviewed)
	assert.Zero(t, f.svc.locks.len())
}

func TestDue_OrderAndLimit(t *testing.T) {
	f := newFixture(t, "h1", "h2", "h3")
	ctx := context.Background()
	c1 := f.enroll(t, "alice", "h1")
	c2 := f.enroll(t, "alice", "h2")
	c3 := f.enroll(t, "alice", "h3")

	_, err := f.svc.Review(ctx, ReviewInput{CardID: c2.ID, LearnerID: "alice", Rating: fsrs.Again})
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, ReviewInput{CardID: c3.ID, LearnerID: "alice", Rating: fsrs.Good})
	require.NoError(t, err)

	due, err := f.svc.Due(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, due, 1, "only the untouched card is due immediately")
	assert.Equal(t, c1.ID, due[0].ID)

	f.clock.advance(3 * 24 * time.Hour)
	due, err = f.svc.Due(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{c2.ID, c3.ID, c1.ID}, []string{due[0].ID, due[1].ID, due[2].ID})

	due, err = f.svc.Due(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	empty, err := f.svc.Due(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestPreview_DoesNotPersist(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	card := f.enroll(t, "alice", "h1")

	p, err := f.svc.Preview(ctx, "alice", card.ID)
	require.NoError(t, err)
	require.Len(t, p.Outcomes, 4)
	assert.Equal(t, fsrs.Learning, p.Outcomes[fsrs.Again].Card.State)
	assert.Equal(t, fsrs.Review, p.Outcomes[fsrs.Easy].Card.State)
	assert.Zero(t, p.Retrievability)

	stored, err := f.db.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Reps)
	logs, err := f.svc.History(ctx, "alice", card.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCardLocks_ReleaseEntries(t *testing.T) {
	l := newCardLocks()
	unlockA := l.lock("a")
	unlockB := l.lock("b")
	assert.Equal(t, 2, l.len())

	done := make(chan struct{})
	go func() {
		unlock := l.lock("a")
		unlock()
		close(done)
	}()
	unlockA()
	<-done
	unlockB()
	assert.Zero(t, l.len())
}
