package domain

import "time"

// Quiz is the immutable content a room plays through. It is loaded once at
// room creation and never mutated afterwards.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Question is a single multiple-choice question. CorrectIndex points into
// Options. TimeLimitMS of zero falls back to the room's per-question duration.
type Question struct {
	Index        int      `json:"index"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
	TimeLimitMS  int      `json:"time_limit_ms,omitempty"`
}

// TimeLimit returns the question's own limit, or fallback when unset.
func (q Question) TimeLimit(fallback time.Duration) time.Duration {
	if q.TimeLimitMS > 0 {
		return time.Duration(q.TimeLimitMS) * time.Millisecond
	}
	return fallback
}

// RoomSettings are the per-room knobs a host picks at creation time.
type RoomSettings struct {
	QuestionDurationMS int  `json:"question_duration_ms"`
	AllowReconnect     bool `json:"allow_reconnect"`
	ShowLeaderboard    bool `json:"show_leaderboard"`
}

// Result is the durable aggregate record of one completed room. Ownership
// transfers to the result publisher at the ended transition.
type Result struct {
	RoomID         string         `json:"room_id"`
	QuizID         string         `json:"quiz_id"`
	HostID         string         `json:"host_id"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
	DurationMS     int64          `json:"duration_ms"`
	TotalQuestions int            `json:"total_questions"`
	Players        []PlayerResult `json:"player_results"`
	Answers        []AnswerRecord `json:"answers"`
}

// PlayerResult is one player's final line in the aggregate result.
type PlayerResult struct {
	UserID            string  `json:"user_id"`
	DisplayName       string  `json:"display_name"`
	FinalScore        int     `json:"final_score"`
	CorrectAnswers    int     `json:"correct_answers"`
	TotalAnswers      int     `json:"total_answers"`
	Accuracy          float64 `json:"accuracy"`
	AverageResponseMS int64   `json:"average_response_ms"`
	MaxStreak         int     `json:"max_streak"`
}

// AnswerRecord is one submitted (or missed) answer in the per-answer log.
type AnswerRecord struct {
	UserID         string    `json:"user_id"`
	QuestionIndex  int       `json:"question_index"`
	Choice         int       `json:"choice"`
	IsCorrect      bool      `json:"is_correct"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	ScoreDelta     int       `json:"score_delta"`
	AnsweredAt     time.Time `json:"answered_at"`
}
