// Package scoring implements the latency-weighted score formula and the
// per-player tallies derived from it. Everything here is pure computation:
// no clocks, no locks, safe to call concurrently from any room.
package scoring

import (
	"math"
	"sort"
	"time"
)

const (
	// BasePoints is the maximum score for an instant correct answer.
	BasePoints = 1000
	// StreakStep is the bonus added per consecutive correct answer.
	StreakStep = 0.10
	// MaxStreakBonus caps the streak bonus at +50%.
	MaxStreakBonus = 0.50
)

// TimeFactor rewards speed with diminishing returns: answering instantly
// yields ~1, answering at the deadline yields 0. Elapsed is clamped to
// [0, limit].
func TimeFactor(elapsed, limit time.Duration) float64 {
	if limit <= 0 {
		return 0
	}
	fraction := float64(elapsed) / float64(limit)
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	factor := 1.0 - math.Sqrt(fraction)
	if factor < 0 {
		factor = 0
	}
	return factor
}

// StreakBonus returns min(streak × 0.10, 0.50).
func StreakBonus(streak int) float64 {
	if streak < 0 {
		streak = 0
	}
	bonus := float64(streak) * StreakStep
	if bonus > MaxStreakBonus {
		bonus = MaxStreakBonus
	}
	return bonus
}

// Score computes the score delta and the new streak for one answer.
//
//	delta = round(1000 × timeFactor × (1 + streakBonus))   if correct
//	delta = 0, streak resets                               otherwise
//
// An elapsed time past the limit is a miss regardless of correctness.
func Score(elapsed, limit time.Duration, correct bool, streak int) (delta, newStreak int) {
	if !correct || elapsed > limit || limit <= 0 {
		return 0, 0
	}
	raw := BasePoints * TimeFactor(elapsed, limit) * (1.0 + StreakBonus(streak))
	return int(math.Round(raw)), streak + 1
}

// PlayerTally accumulates one player's scoring state across questions.
// Total counts every scored question including misses; Answered counts only
// submitted answers, so average response time stays meaningful.
type PlayerTally struct {
	Score         int
	Streak        int
	MaxStreak     int
	Correct       int
	Answered      int
	Total         int
	TotalResponse time.Duration
}

// Record applies one submitted, scored answer to the tally.
func (t *PlayerTally) Record(delta int, correct bool, elapsed time.Duration, newStreak int) {
	t.Score += delta
	t.Total++
	t.Answered++
	t.TotalResponse += elapsed
	if correct {
		t.Correct++
		t.Streak = newStreak
		if t.Streak > t.MaxStreak {
			t.MaxStreak = t.Streak
		}
	} else {
		t.Streak = 0
	}
}

// RecordMiss scores a question the player never answered. Identical to an
// incorrect answer at the deadline: zero delta, streak reset.
func (t *PlayerTally) RecordMiss() {
	t.Total++
	t.Streak = 0
}

// Accuracy returns the percentage of scored questions answered correctly.
func (t *PlayerTally) Accuracy() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Correct) / float64(t.Total) * 100.0
}

// AverageResponse returns the mean time from question start to answer,
// over submitted answers only.
func (t *PlayerTally) AverageResponse() time.Duration {
	if t.Answered == 0 {
		return 0
	}
	return t.TotalResponse / time.Duration(t.Answered)
}

// LeaderboardEntry is one ranked row of the scoreboard.
type LeaderboardEntry struct {
	UserID      string
	DisplayName string
	Score       int
	Rank        int
	Correct     int
	Total       int
}

// Leaderboard ranks players by score descending, ties broken by display
// name so the ordering is stable across broadcasts.
func Leaderboard(tallies map[string]*PlayerTally, names map[string]string) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(tallies))
	for userID, tally := range tallies {
		name := names[userID]
		if name == "" {
			name = "Unknown"
		}
		entries = append(entries, LeaderboardEntry{
			UserID:      userID,
			DisplayName: name,
			Score:       tally.Score,
			Correct:     tally.Correct,
			Total:       tally.Answered,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
