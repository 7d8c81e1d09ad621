package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only envelope version this engine speaks.
const Version = 1

// Client to server message types.
const (
	TypeCreateRoom = "create_room"
	TypeJoin       = "join"
	TypeStart      = "start"
	TypeAnswer     = "answer"
	TypeLeave      = "leave"
	TypeKick       = "kick"
	TypePing       = "ping"
)

// Server to client message types.
const (
	TypeState    = "state"
	TypeQuestion = "question"
	TypeReveal   = "reveal"
	TypeScore    = "score"
	TypeEnd      = "end"
	TypeJoined   = "joined"
	TypeLeft     = "left"
	TypeKicked   = "kicked"
	TypeError    = "error"
	TypePong     = "pong"
)

// Room phases as they appear in state messages.
const (
	PhaseLobby        = "lobby"
	PhaseQuestion     = "question"
	PhaseReveal       = "reveal"
	PhaseIntermission = "intermission"
	PhaseEnded        = "ended"
)

// Error codes carried in error messages.
const (
	CodeMalformedMessage     = "MALFORMED_MESSAGE"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeRoomNotFound         = "ROOM_NOT_FOUND"
	CodeRoomFull             = "ROOM_FULL"
	CodeTooLate              = "TOO_LATE"
	CodeDuplicateAnswer      = "DUPLICATE_ANSWER"
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	CodeInternalError        = "INTERNAL_ERROR"
)

var knownTypes = map[string]struct{}{
	TypeCreateRoom: {}, TypeJoin: {}, TypeStart: {}, TypeAnswer: {},
	TypeLeave: {}, TypeKick: {}, TypePing: {},
	TypeState: {}, TypeQuestion: {}, TypeReveal: {}, TypeScore: {},
	TypeEnd: {}, TypeJoined: {}, TypeLeft: {}, TypeKicked: {},
	TypeError: {}, TypePong: {},
}

// MalformedError describes a message the codec refused. It maps onto an
// error envelope sent back to the offending connection only.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed message: " + e.Reason
}

// Message is the uniform envelope every frame travels in, both directions.
// MsgID is caller-assigned and opaque to the engine; it exists for
// client-side correlation, never for server-side dedup.
type Message struct {
	Version int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id,omitempty"`
	RoomID  *string         `json:"room_id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// NewMessage builds an envelope of the given type around data.
func NewMessage(msgType string, data interface{}) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{Version: Version, Type: msgType, Data: raw}, nil
}

// NewErrorMessage builds an error envelope with the given code.
func NewErrorMessage(code, msg string) *Message {
	m, _ := NewMessage(TypeError, ErrorPayload{Code: code, Message: msg})
	return m
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalData decodes the payload into v.
func (m *Message) UnmarshalData(v interface{}) error {
	if len(m.Data) == 0 {
		return &MalformedError{Reason: "missing data"}
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return &MalformedError{Reason: err.Error()}
	}
	return nil
}

// Decode parses raw bytes into an envelope, rejecting unsupported versions
// and types outside the catalogue.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &MalformedError{Reason: "invalid JSON envelope"}
	}
	if m.Version != Version {
		return nil, &MalformedError{Reason: fmt.Sprintf("unsupported version %d", m.Version)}
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return nil, &MalformedError{Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}
	return &m, nil
}

// Client payloads.

type CreateRoomPayload struct {
	QuizID   string        `json:"quiz_id"`
	Settings *RoomSettings `json:"settings,omitempty"`
}

type JoinPayload struct {
	PIN         string `json:"pin"`
	DisplayName string `json:"display_name"`
}

type StartPayload struct{}

type AnswerPayload struct {
	QuestionIndex int `json:"question_index"`
	Choice        int `json:"choice"`
}

type LeavePayload struct{}

type KickPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Server payloads.

type StatePayload struct {
	Phase          string       `json:"phase"`
	RoomID         string       `json:"room_id"`
	PIN            string       `json:"pin"`
	HostID         string       `json:"host_id"`
	QuestionIndex  int          `json:"question_index"`
	TotalQuestions int          `json:"total_questions"`
	PhaseDeadline  *int64       `json:"phase_deadline_ms,omitempty"`
	Members        []Member     `json:"members"`
	Settings       RoomSettings `json:"settings"`
}

type QuestionPayload struct {
	Index      int      `json:"index"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
	DeadlineMS int64    `json:"deadline_ms"`
	DurationMS int      `json:"duration_ms"`
}

type RevealPayload struct {
	Index         int           `json:"index"`
	CorrectIndex  int           `json:"correct_index"`
	CorrectChoice string        `json:"correct_choice"`
	Explanation   string        `json:"explanation,omitempty"`
	PlayerStats   []PlayerStat  `json:"player_stats"`
	Leaderboard   []LeaderEntry `json:"leaderboard"`
}

type ScorePayload struct {
	UserID     string `json:"user_id"`
	Score      int    `json:"score"`
	ScoreDelta int    `json:"score_delta"`
	Streak     int    `json:"streak"`
	Rank       int    `json:"rank"`
}

type EndPayload struct {
	FinalLeaderboard []LeaderEntry `json:"final_leaderboard"`
	Stats            QuizStats     `json:"quiz_stats"`
}

type JoinedPayload struct {
	User Member `json:"user"`
}

type LeftPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type KickedPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Supporting wire types.

type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Score       int    `json:"score"`
	IsOnline    bool   `json:"is_online"`
	JoinedAt    int64  `json:"joined_at"`
}

type RoomSettings struct {
	QuestionDurationMS int  `json:"question_duration_ms"`
	AllowReconnect     bool `json:"allow_reconnect"`
	ShowLeaderboard    bool `json:"show_leaderboard"`
}

type PlayerStat struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Choice      *int   `json:"choice,omitempty"`
	IsCorrect   bool   `json:"is_correct"`
	TimeTakenMS int64  `json:"time_taken_ms"`
	ScoreDelta  int    `json:"score_delta"`
}

type LeaderEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Score       int    `json:"score"`
	Rank        int    `json:"rank"`
	Correct     int    `json:"correct_answers"`
	Total       int    `json:"total_answered"`
}

type QuizStats struct {
	TotalQuestions    int     `json:"total_questions"`
	TotalParticipants int     `json:"total_participants"`
	AverageScore      float64 `json:"average_score"`
	CompletionRate    float64 `json:"completion_rate"`
	DurationMS        int64   `json:"duration_ms"`
}
