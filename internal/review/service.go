// Package review applies learner ratings to cards. It is the only writer of
// card memory state: every review is scheduled by the fsrs engine and
// persisted together with its log entry and the learner's counters.
package review

import (
	"context"
	"crypto/rand"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
)

// Due list limits
const (
	DefaultDueLimit     = 20
	MaxDueLimit         = 500
	DefaultHistoryLimit = 50
)

// Store is the persistence the service needs. Both the sqlite and postgres
// stores satisfy it.
type Store interface {
	FindItemByHash(ctx context.Context, hash string) (*domain.Item, error)
	GetSource(ctx context.Context, id int64) (*domain.Source, error)
	GetItemsBySourceID(ctx context.Context, sourceID int64, includeRetired bool) ([]domain.Item, error)

	CreateCard(ctx context.Context, c *domain.Card) (bool, error)
	GetCard(ctx context.Context, id string) (*domain.Card, error)
	FindCardByItem(ctx context.Context, learnerID, itemHash string) (*domain.Card, error)
	DueCards(ctx context.Context, learnerID string, now time.Time, limit int) ([]domain.Card, error)

	ApplyReview(ctx context.Context, rc domain.ReviewCommit) error
	ApplyUndo(ctx context.Context, uc domain.UndoCommit) (*domain.ReviewLog, error)
	History(ctx context.Context, cardID string, limit int) ([]domain.ReviewLog, error)
	GetStats(ctx context.Context, learnerID string) (domain.Stats, error)
}

// Service coordinates the scheduler and the store.
type Service struct {
	store Store
	sched *fsrs.Scheduler
	now   func() time.Time
	locks *cardLocks
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store Store, sched *fsrs.Scheduler, opts ...Option) *Service {
	s := &Service{
		store: store,
		sched: sched,
		now:   time.Now,
		locks: newCardLocks(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("rating", func(fl validator.FieldLevel) bool {
		r, ok := fl.Field().Interface().(fsrs.Rating)
		return ok && r.IsValid()
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// check runs struct validation and turns failures into invalid-request errors.
func check(input any) error {
	if err := validate.Struct(input); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return kerrors.NewInvalidRequest(fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
		}
		return kerrors.NewInvalidRequest(err.Error())
	}
	return nil
}

func newID(at time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(at), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ownedCard loads a card and hides it from every learner but its owner.
func (s *Service) ownedCard(ctx context.Context, learnerID, cardID string) (*domain.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.LearnerID != learnerID {
		return nil, kerrors.NewNotFound("card", cardID)
	}
	return card, nil
}

// EnrollOutput is the card a learner studies an item with.
type EnrollOutput struct {
	Card    domain.Card `json:"card"`
	Created bool        `json:"created"`
}

// Enroll gives learnerID a new card for the item. Enrolling twice returns the
// existing card.
func (s *Service) Enroll(ctx context.Context, learnerID, itemHash string) (*EnrollOutput, error) {
	if learnerID == "" {
		return nil, kerrors.NewInvalidRequest("learner_id is required")
	}
	if itemHash == "" {
		return nil, kerrors.NewInvalidRequest("item_hash is required")
	}

	item, err := s.store.FindItemByHash(ctx, itemHash)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, kerrors.NewNotFound("item", itemHash)
	}
	if existing, err := s.store.FindCardByItem(ctx, learnerID, itemHash); err != nil {
		return nil, err
	} else if existing != nil {
		return &EnrollOutput{Card: *existing}, nil
	}
	if item.Retired {
		return nil, kerrors.NewInvalidRequest(fmt.Sprintf("item %s is retired", itemHash))
	}
	return s.createCard(ctx, learnerID, itemHash)
}

func (s *Service) createCard(ctx context.Context, learnerID, itemHash string) (*EnrollOutput, error) {
	now := s.now()
	id, err := newID(now)
	if err != nil {
		return nil, kerrors.NewInternal(err)
	}
	card := domain.Card{ID: id, LearnerID: learnerID, ItemHash: itemHash, CreatedAt: now, Card: fsrs.NewCard(now)}
	created, err := s.store.CreateCard(ctx, &card)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent enrol of the same item.
		existing, err := s.store.FindCardByItem(ctx, learnerID, itemHash)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, kerrors.NewInternal(fmt.Errorf("card for %s/%s vanished", learnerID, itemHash))
		}
		return &EnrollOutput{Card: *existing}, nil
	}
	log.Ctx(ctx).Debug().Str("learner_id", learnerID).Str("item_hash", itemHash).Str("card_id", id).Msg("card-enrolled")
	return &EnrollOutput{Card: card, Created: true}, nil
}

// EnrollSourceOutput summarises a bulk enrolment.
type EnrollSourceOutput struct {
	SourceID int64 `json:"source_id"`
	Enrolled int   `json:"enrolled"`
	Existing int   `json:"existing"`
}

// EnrollSource enrols the learner in every active item of a source.
func (s *Service) EnrollSource(ctx context.Context, learnerID string, sourceID int64) (*EnrollSourceOutput, error) {
	if learnerID == "" {
		return nil, kerrors.NewInvalidRequest("learner_id is required")
	}
	if _, err := s.store.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	items, err := s.store.GetItemsBySourceID(ctx, sourceID, false)
	if err != nil {
		return nil, err
	}

	out := &EnrollSourceOutput{SourceID: sourceID}
	for _, it := range items {
		res, err := s.Enroll(ctx, learnerID, it.Hash)
		if err != nil {
			return nil, err
		}
		if res.Created {
			out.Enrolled++
		} else {
			out.Existing++
		}
	}
	log.Ctx(ctx).Info().Str("learner_id", learnerID).Int64("source_id", sourceID).
		Int("enrolled", out.Enrolled).Int("existing", out.Existing).Msg("source-enrolled")
	return out, nil
}

// ReviewInput contains parameters for the Review operation.
type ReviewInput struct {
	CardID         string      `json:"card_id" validate:"required"`
	LearnerID      string      `json:"learner_id" validate:"required"`
	Rating         fsrs.Rating `json:"rating" validate:"rating"`
	ResponseTimeMs *int64      `json:"response_time_ms,omitempty" validate:"omitempty,gte=0"`
}

// ReviewOutput is the reviewed card plus the snapshot needed to undo it.
type ReviewOutput struct {
	Card          domain.Card `json:"card"`
	PreviousState fsrs.State  `json:"previous_state"`
	NewState      fsrs.State  `json:"new_state"`
	ScheduledDays float64     `json:"scheduled_days"`
	LogID         string      `json:"log_id"`
	// Previous and Stats are what the card and the learner's counters looked
	// like before this review. Pass them back to Unreview to undo it.
	Previous fsrs.Card    `json:"previous"`
	Stats    domain.Stats `json:"stats"`
}

// Review applies a rating to a card. Reviews of the same card are serialised;
// a write that races with another process fails with a conflict.
func (s *Service) Review(ctx context.Context, input ReviewInput) (*ReviewOutput, error) {
	if err := check(input); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(input.CardID)
	defer unlock()

	card, err := s.ownedCard(ctx, input.LearnerID, input.CardID)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.GetStats(ctx, input.LearnerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := s.sched.Review(card.Card, input.Rating, now)
	logID, err := newID(now)
	if err != nil {
		return nil, kerrors.NewInternal(err)
	}

	next := *card
	next.Card = res.Card
	entry := domain.ReviewLog{
		ID:             logID,
		CardID:         card.ID,
		Rating:         input.Rating,
		StateBefore:    card.State,
		StateAfter:     res.Card.State,
		ResponseTimeMs: input.ResponseTimeMs,
		ElapsedDays:    res.Card.ElapsedDays,
		ScheduledDays:  res.ScheduledDays,
		ReviewedAt:     now,
	}
	if err := s.store.ApplyReview(ctx, domain.ReviewCommit{
		Card:         next,
		ExpectedReps: card.Reps,
		Log:          entry,
		Correct:      input.Rating != fsrs.Again,
	}); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("card_id", card.ID).
		Str("rating", input.Rating.String()).
		Stringer("from", card.State).
		Stringer("to", res.Card.State).
		Float64("scheduled_days", res.ScheduledDays).
		Msg("card-reviewed")

	return &ReviewOutput{
		Card:          next,
		PreviousState: card.State,
		NewState:      res.Card.State,
		ScheduledDays: res.ScheduledDays,
		LogID:         logID,
		Previous:      card.Card.Clone(),
		Stats:         stats,
	}, nil
}

// UnreviewInput carries the snapshot returned by the review being undone.
type UnreviewInput struct {
	CardID    string       `json:"card_id" validate:"required"`
	LearnerID string       `json:"learner_id" validate:"required"`
	Snapshot  fsrs.Card    `json:"snapshot"`
	Stats     domain.Stats `json:"stats"`
}

// UnreviewOutput is the restored card and the log entry that was removed.
type UnreviewOutput struct {
	Card    domain.Card      `json:"card"`
	Removed domain.ReviewLog `json:"removed"`
}

// Unreview restores a card and the learner's counters to the supplied
// snapshot and deletes the card's most recent review log entry. Nothing is
// recomputed: the snapshot is taken as the truth.
func (s *Service) Unreview(ctx context.Context, input UnreviewInput) (*UnreviewOutput, error) {
	if err := check(input); err != nil {
		return nil, err
	}
	if err := checkSnapshot(input.Snapshot, input.Stats); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(input.CardID)
	defer unlock()

	card, err := s.ownedCard(ctx, input.LearnerID, input.CardID)
	if err != nil {
		return nil, err
	}

	stats := input.Stats
	stats.LearnerID = input.LearnerID
	removed, err := s.store.ApplyUndo(ctx, domain.UndoCommit{
		CardID:    card.ID,
		LearnerID: input.LearnerID,
		Snapshot:  input.Snapshot,
		Stats:     stats,
	})
	if err != nil {
		return nil, err
	}

	restored := *card
	restored.Card = input.Snapshot.Clone()
	log.Ctx(ctx).Info().Str("card_id", card.ID).Str("log_id", removed.ID).Msg("review-undone")
	return &UnreviewOutput{Card: restored, Removed: *removed}, nil
}

func checkSnapshot(c fsrs.Card, st domain.Stats) error {
	switch {
	case !c.State.IsValid():
		return kerrors.NewInvalidRequest("snapshot.state is invalid")
	case c.Reps < 0 || c.Lapses < 0:
		return kerrors.NewInvalidRequest("snapshot counters must not be negative")
	case c.Stability < 0 || c.ElapsedDays < 0 || c.ScheduledDays < 0:
		return kerrors.NewInvalidRequest("snapshot stability and day counts must not be negative")
	case c.Reps > 0 && (c.Difficulty < 1 || c.Difficulty > 10):
		return kerrors.NewInvalidRequest("snapshot.difficulty must be within [1, 10] once a card has been reviewed")
	case c.Reps == 0 && (c.Difficulty < 0 || c.Difficulty > 10):
		return kerrors.NewInvalidRequest("snapshot.difficulty out of range")
	case c.Due.IsZero():
		return kerrors.NewInvalidRequest("snapshot.due is required")
	case st.TimesReviewed < 0 || st.TimesCorrect < 0 || st.TimesCorrect > st.TimesReviewed:
		return kerrors.NewInvalidRequest("stats are inconsistent")
	}
	return nil
}

// GetCard returns one of the learner's cards.
func (s *Service) GetCard(ctx context.Context, learnerID, cardID string) (*domain.Card, error) {
	if learnerID == "" || cardID == "" {
		return nil, kerrors.NewInvalidRequest("learner_id and card_id are required")
	}
	return s.ownedCard(ctx, learnerID, cardID)
}

// Due lists cards ready for review now. limit <= 0 uses DefaultDueLimit.
func (s *Service) Due(ctx context.Context, learnerID string, limit int) ([]domain.Card, error) {
	if learnerID == "" {
		return nil, kerrors.NewInvalidRequest("learner_id is required")
	}
	if limit <= 0 {
		limit = DefaultDueLimit
	}
	if limit > MaxDueLimit {
		limit = MaxDueLimit
	}
	cards, err := s.store.DueCards(ctx, learnerID, s.now(), limit)
	if err != nil {
		return nil, err
	}
	if cards == nil {
		cards = []domain.Card{}
	}
	return cards, nil
}

// History returns the card's review log, most recent first.
func (s *Service) History(ctx context.Context, learnerID, cardID string, limit int) ([]domain.ReviewLog, error) {
	if _, err := s.GetCard(ctx, learnerID, cardID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	logs, err := s.store.History(ctx, cardID, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []domain.ReviewLog{}
	}
	return logs, nil
}

// PreviewOutput shows what each rating would do to a card right now.
type PreviewOutput struct {
	CardID         string                      `json:"card_id"`
	Retrievability float64                     `json:"retrievability"`
	Outcomes       map[fsrs.Rating]fsrs.Result `json:"outcomes"`
}

// Preview computes every rating's outcome without persisting anything.
func (s *Service) Preview(ctx context.Context, learnerID, cardID string) (*PreviewOutput, error) {
	card, err := s.GetCard(ctx, learnerID, cardID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &PreviewOutput{
		CardID:         card.ID,
		Retrievability: s.sched.Retrievability(card.Card, now),
		Outcomes:       s.sched.Preview(card.Card, now),
	}, nil
}

// Stats returns the learner's review counters.
func (s *Service) Stats(ctx context.Context, learnerID string) (domain.Stats, error) {
	if learnerID == "" {
		return domain.Stats{}, kerrors.NewInvalidRequest("learner_id is required")
	}
	return s.store.GetStats(ctx, learnerID)
}
