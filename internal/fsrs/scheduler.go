package fsrs

import (
	"math"
	"time"
)

const (
	minDifficulty = 1.0
	maxDifficulty = 10.0
	// minStability keeps the forgetting curve finite for cards whose stored
	// stability was zeroed outside the scheduler.
	minStability = 0.01
)

// nextState is the lifecycle edge taken for every (state, rating) pair.
var nextState = [4][4]State{
	New:        {Again: Learning, Hard: Learning, Good: Review, Easy: Review},
	Learning:   {Again: Learning, Hard: Learning, Good: Review, Easy: Review},
	Review:     {Again: Relearning, Hard: Review, Good: Review, Easy: Review},
	Relearning: {Again: Relearning, Hard: Relearning, Good: Review, Easy: Review},
}

// Transition reports the state a card in from moves to when rated r.
func Transition(from State, r Rating) State {
	return nextState[from][r]
}

// IsLapse reports whether rating a card in state from counts as a lapse.
func IsLapse(from State, r Rating) bool {
	return r == Again && (from == Review || from == Relearning)
}

// Result is the outcome of a single review.
type Result struct {
	Card          Card    `json:"card"`
	ScheduledDays float64 `json:"scheduled_days"`
}

// Scheduler computes review outcomes for a fixed parameter set.
// It holds no mutable state and is safe for concurrent use.
type Scheduler struct {
	p Params
}

// NewScheduler validates p and returns a Scheduler using it.
func NewScheduler(p Params) (*Scheduler, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.LearningSteps = append([]time.Duration(nil), p.LearningSteps...)
	p.RelearningSteps = append([]time.Duration(nil), p.RelearningSteps...)
	return &Scheduler{p: p}, nil
}

// Params returns a copy of the scheduler's parameters.
func (s *Scheduler) Params() Params {
	p := s.p
	p.LearningSteps = append([]time.Duration(nil), s.p.LearningSteps...)
	p.RelearningSteps = append([]time.Duration(nil), s.p.RelearningSteps...)
	return p
}

// Review applies rating r to card at time now and returns the new snapshot.
// The input card is not modified. Every valid (state, rating) pair has an outcome.
func (s *Scheduler) Review(card Card, r Rating, now time.Time) Result {
	c := card.Clone()
	from := c.State

	elapsed := 0.0
	if c.LastReview != nil {
		elapsed = math.Max(0, now.Sub(*c.LastReview).Hours()/24)
	}

	var days float64
	switch from {
	case New:
		c.Difficulty = s.initDifficulty(r)
		c.Stability = s.initStability(r)
		days = s.graduateOrStep(s.p.LearningSteps, r, c.Stability)
	case Learning, Relearning:
		if r == Good || r == Easy {
			c.Stability = s.initStability(r)
		}
		days = s.graduateOrStep(s.stepsFor(from), r, c.Stability)
	case Review:
		stability := math.Max(c.Stability, minStability)
		retrievability := forgettingCurve(elapsed, stability)
		if r == Again {
			c.Stability = s.lapseStability(c.Difficulty, stability, retrievability)
			days = stepDays(s.p.RelearningSteps, 0)
		} else {
			c.Stability = s.recallStability(c.Difficulty, stability, retrievability, r)
			days = s.NextInterval(c.Stability)
		}
		c.Difficulty = s.nextDifficulty(c.Difficulty, r)
	}

	if IsLapse(from, r) {
		c.Lapses++
	}
	c.State = nextState[from][r]
	c.Reps++
	c.ElapsedDays = elapsed
	c.ScheduledDays = days
	c.Due = now.Add(daysToDuration(days))
	reviewed := now
	c.LastReview = &reviewed

	return Result{Card: c, ScheduledDays: days}
}

// Preview returns the outcome of every rating without committing to any.
func (s *Scheduler) Preview(card Card, now time.Time) map[Rating]Result {
	out := make(map[Rating]Result, len(Ratings))
	for _, r := range Ratings {
		out[r] = s.Review(card, r, now)
	}
	return out
}

// Retrievability estimates the probability of recalling card at now.
// Cards that have never been reviewed report 0.
func (s *Scheduler) Retrievability(card Card, now time.Time) float64 {
	if card.LastReview == nil || card.State == New {
		return 0
	}
	elapsed := math.Max(0, now.Sub(*card.LastReview).Hours()/24)
	return forgettingCurve(elapsed, math.Max(card.Stability, minStability))
}

// NextInterval converts a stability into a whole number of days, clamped
// to [0, MaximumInterval].
func (s *Scheduler) NextInterval(stability float64) float64 {
	ivl := math.Round(stability * 9 * (1/s.p.RequestRetention - 1))
	return math.Min(math.Max(ivl, 0), s.p.MaximumInterval)
}

// graduateOrStep handles the ratings shared by new and learning cards:
// again and hard stay on a step, good and easy graduate to review.
func (s *Scheduler) graduateOrStep(steps []time.Duration, r Rating, stability float64) float64 {
	switch r {
	case Again:
		return stepDays(steps, 0)
	case Hard:
		return stepDays(steps, 1)
	default:
		return s.NextInterval(stability)
	}
}

func (s *Scheduler) stepsFor(state State) []time.Duration {
	if state == Relearning {
		return s.p.RelearningSteps
	}
	return s.p.LearningSteps
}

func (s *Scheduler) initStability(r Rating) float64 {
	return s.p.W[r]
}

func (s *Scheduler) initDifficulty(r Rating) float64 {
	return clampDifficulty(s.p.W[4] - math.Exp(s.p.W[5]*(r.Grade()-1)) + 1)
}

func (s *Scheduler) nextDifficulty(d float64, r Rating) float64 {
	return clampDifficulty(d + s.p.W[6]*(r.Grade()-3))
}

// recallStability grows stability after a successful recall.
// S' = S * (1 + e^w8 * (11-D) * S^-w9 * (e^(w10*(1-R)) - 1) * hardPenalty * easyBonus)
func (s *Scheduler) recallStability(d, stability, retrievability float64, r Rating) float64 {
	w := s.p.W
	hardPenalty := 1.0
	if r == Hard {
		hardPenalty = w[15]
	}
	easyBonus := 1.0
	if r == Easy {
		easyBonus = w[16]
	}
	return stability * (1 + math.Exp(w[8])*
		(11-d)*
		math.Pow(stability, -w[9])*
		(math.Exp(w[10]*(1-retrievability))-1)*
		hardPenalty*easyBonus)
}

// lapseStability is the post-lapse stability.
// S' = w11 * D^-w12 * ((S+1)^w13 - 1) * e^(w14*(1-R))
func (s *Scheduler) lapseStability(d, stability, retrievability float64) float64 {
	w := s.p.W
	return w[11] *
		math.Pow(math.Max(d, minDifficulty), -w[12]) *
		(math.Pow(stability+1, w[13]) - 1) *
		math.Exp(w[14]*(1-retrievability))
}

// forgettingCurve is R = (1 + t/(9S))^-1.
func forgettingCurve(elapsedDays, stability float64) float64 {
	return 1 / (1 + elapsedDays/(9*stability))
}

// stepDays returns step i in fractional days; indexes past the end use the last step.
func stepDays(steps []time.Duration, i int) float64 {
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i].Minutes() / 1440
}

func daysToDuration(days float64) time.Duration {
	return time.Duration(math.Round(days * float64(24*time.Hour)))
}

func clampDifficulty(d float64) float64 {
	return math.Min(math.Max(d, minDifficulty), maxDifficulty)
}
