package fsrs

import (
	"fmt"
	"strings"
	"time"
)

// Rating is the learner's response to a card review.
type Rating int

const (
	Again Rating = iota
	Hard
	Good
	Easy
)

var ratingNames = [...]string{Again: "again", Hard: "hard", Good: "good", Easy: "easy"}

// Ratings lists every rating in grade order.
var Ratings = []Rating{Again, Hard, Good, Easy}

// IsValid reports whether r is one of the four grades.
func (r Rating) IsValid() bool {
	return r >= Again && r <= Easy
}

// Grade returns the ordinal grade used by the model (again=0 ... easy=3).
func (r Rating) Grade() float64 {
	return float64(r)
}

// String returns the lower-case rating name.
func (r Rating) String() string {
	if r.IsValid() {
		return ratingNames[r]
	}
	return fmt.Sprintf("Rating(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Rating) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("invalid rating: %d", int(r))
	}
	return []byte(ratingNames[r]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rating) UnmarshalText(text []byte) error {
	v, err := ParseRating(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRating converts "again", "hard", "good" or "easy" (any case) into a Rating.
func ParseRating(s string) (Rating, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range ratingNames {
		if n == name {
			return Rating(i), nil
		}
	}
	return 0, fmt.Errorf("invalid rating: %q", s)
}

// State is the lifecycle stage of a card.
type State int

const (
	New State = iota
	Learning
	Review
	Relearning
)

var stateNames = [...]string{New: "new", Learning: "learning", Review: "review", Relearning: "relearning"}

// IsValid reports whether s is one of the four lifecycle states.
func (s State) IsValid() bool {
	return s >= New && s <= Relearning
}

// String returns the lower-case state name.
func (s State) String() string {
	if s.IsValid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid state: %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("invalid state: %q", text)
}

// Card holds the memory state of a card.
type Card struct {
	State         State      `json:"state"`
	Due           time.Time  `json:"due"`
	Stability     float64    `json:"stability"`
	Difficulty    float64    `json:"difficulty"`
	ElapsedDays   float64    `json:"elapsed_days"`
	ScheduledDays float64    `json:"scheduled_days"`
	Reps          int        `json:"reps"`
	Lapses        int        `json:"lapses"`
	LastReview    *time.Time `json:"last_review,omitempty"`
}

// NewCard returns an untouched card that is due immediately.
func NewCard(now time.Time) Card {
	return Card{State: New, Due: now}
}

// Clone returns a copy that shares no pointers with c.
func (c Card) Clone() Card {
	out := c
	if c.LastReview != nil {
		t := *c.LastReview
		out.LastReview = &t
	}
	return out
}

// Params holds the parameters for the scheduler.
type Params struct {
	W                [17]float64
	RequestRetention float64 // target recall probability, e.g. 0.9
	MaximumInterval  float64 // days
	LearningSteps    []time.Duration
	RelearningSteps  []time.Duration
}

// DefaultWeights are the FSRS v4.5 default weights.
var DefaultWeights = [17]float64{
	0.4, 0.6, 2.4, 5.8, // w[0..3] initial stability per grade
	4.93, 0.94, 0.86, 0.01, // w[4..7] difficulty
	1.49, 0.14, 0.94, // w[8..10] recall stability
	2.18, 0.05, 0.34, 1.26, // w[11..14] lapse stability
	0.29, 2.61, // w[15] hard penalty, w[16] easy bonus
}

// DefaultParams provides the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		W:                DefaultWeights,
		RequestRetention: 0.9,
		MaximumInterval:  36500,
		LearningSteps:    []time.Duration{time.Minute, 10 * time.Minute},
		RelearningSteps:  []time.Duration{10 * time.Minute},
	}
}

// Validate checks the parameters the model depends on being well-formed.
func (p Params) Validate() error {
	if p.RequestRetention <= 0 || p.RequestRetention >= 1 {
		return fmt.Errorf("request retention %v out of range (0, 1)", p.RequestRetention)
	}
	if p.MaximumInterval <= 0 {
		return fmt.Errorf("maximum interval %v must be positive", p.MaximumInterval)
	}
	if len(p.LearningSteps) == 0 || len(p.RelearningSteps) == 0 {
		return fmt.Errorf("learning and relearning steps must not be empty")
	}
	for _, s := range append(append([]time.Duration{}, p.LearningSteps...), p.RelearningSteps...) {
		if s < 0 {
			return fmt.Errorf("negative step %v", s)
		}
	}
	return nil
}
