package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/protocol"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type fakeConn struct {
	userID string
	msgs   chan *protocol.Message
	mu     sync.Mutex
	closed bool
}

func newFakeConn(userID string) *fakeConn {
	return &fakeConn{userID: userID, msgs: make(chan *protocol.Message, 256)}
}

func (c *fakeConn) Send(msg *protocol.Message) error {
	select {
	case c.msgs <- msg:
		return nil
	default:
		return errors.New("buffer full")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// next returns the first pending message of the given type, skipping others.
func (c *fakeConn) next(t *testing.T, msgType string) *protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.msgs:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s message for %s", msgType, c.userID)
			return nil
		}
	}
}

// expectNone asserts no message of the given type is pending.
func (c *fakeConn) expectNone(t *testing.T, msgType string) {
	t.Helper()
	for {
		select {
		case msg := <-c.msgs:
			if msg.Type == msgType {
				t.Fatalf("unexpected %s message for %s", msgType, c.userID)
			}
		default:
			return
		}
	}
}

type captureSink struct {
	mu      sync.Mutex
	results []*domain.Result
	notify  chan *domain.Result
}

func newCaptureSink() *captureSink {
	return &captureSink{notify: make(chan *domain.Result, 4)}
}

func (s *captureSink) Publish(_ context.Context, result *domain.Result) {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()
	s.notify <- result
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QuestionDuration = 10 * time.Second
	cfg.RevealDuration = 5 * time.Second
	cfg.IntermissionDuration = 3 * time.Second
	return cfg
}

func twoQuestionQuiz() *domain.Quiz {
	return &domain.Quiz{
		ID:    "quiz-1",
		Title: "Arithmetic",
		Questions: []domain.Question{
			{Index: 0, Prompt: "2+2?", Options: []string{"3", "4"}, CorrectIndex: 1},
			{Index: 1, Prompt: "3+3?", Options: []string{"6", "7"}, CorrectIndex: 0},
		},
	}
}

// barrier blocks until the actor has drained every event enqueued before it,
// so tests can interleave deliveries with fake-clock advances
// deterministically.
func (r *Room) barrier() {
	done := make(chan struct{})
	select {
	case r.events <- flushEvent{done: done}:
	case <-r.done:
		return
	}
	select {
	case <-done:
	case <-r.done:
	}
}

func startRoom(t *testing.T, quiz *domain.Quiz, settings domain.RoomSettings, sink ResultSink) (*Room, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	room := NewRoom("room-1", "482913", "host-1", quiz, settings, testConfig(), clock, sink, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go room.Run(ctx)
	return room, clock
}

func deliver(t *testing.T, room *Room, userID, msgType string, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("build %s: %v", msgType, err)
	}
	room.Deliver(userID, msg)
	room.barrier()
}

func answerAt(t *testing.T, room *Room, clock *clockwork.FakeClock, userID string, index, choice int, advance time.Duration) {
	t.Helper()
	if advance > 0 {
		clock.Advance(advance)
	}
	deliver(t, room, userID, protocol.TypeAnswer, protocol.AnswerPayload{QuestionIndex: index, Choice: choice})
}

func decodeReveal(t *testing.T, msg *protocol.Message) protocol.RevealPayload {
	t.Helper()
	var payload protocol.RevealPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		t.Fatalf("decode reveal: %v", err)
	}
	return payload
}

func statFor(t *testing.T, payload protocol.RevealPayload, userID string) protocol.PlayerStat {
	t.Helper()
	for _, stat := range payload.PlayerStats {
		if stat.UserID == userID {
			return stat
		}
	}
	t.Fatalf("no stat for %s in reveal", userID)
	return protocol.PlayerStat{}
}

func TestFullGameFlow(t *testing.T) {
	sink := newCaptureSink()
	settings := domain.RoomSettings{QuestionDurationMS: 10000, AllowReconnect: true, ShowLeaderboard: true}
	room, clock := startRoom(t, twoQuestionQuiz(), settings, sink)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	if err := room.Join("host-1", "Alice", host); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if err := room.Join("player-1", "Bob", player); err != nil {
		t.Fatalf("player join: %v", err)
	}
	host.next(t, protocol.TypeJoined)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	qMsg := host.next(t, protocol.TypeQuestion)
	var question protocol.QuestionPayload
	if err := qMsg.UnmarshalData(&question); err != nil {
		t.Fatalf("decode question: %v", err)
	}
	if question.Index != 0 || len(question.Options) != 2 {
		t.Fatalf("unexpected first question: %+v", question)
	}
	player.next(t, protocol.TypeQuestion)

	// Q0: Alice answers correctly at t=1s, Bob misses.
	answerAt(t, room, clock, "host-1", 0, 1, time.Second)
	clock.Advance(9 * time.Second) // deadline fires

	reveal := decodeReveal(t, player.next(t, protocol.TypeReveal))
	if reveal.Index != 0 || reveal.CorrectIndex != 1 {
		t.Fatalf("unexpected reveal: %+v", reveal)
	}
	alice := statFor(t, reveal, "host-1")
	if !alice.IsCorrect || alice.ScoreDelta != 684 {
		t.Fatalf("expected Alice delta 684, got %+v", alice)
	}
	bob := statFor(t, reveal, "player-1")
	if bob.IsCorrect || bob.ScoreDelta != 0 {
		t.Fatalf("expected Bob miss with delta 0, got %+v", bob)
	}
	if reveal.Leaderboard[0].UserID != "host-1" || reveal.Leaderboard[0].Score != 684 {
		t.Fatalf("expected Alice leading with 684, got %+v", reveal.Leaderboard)
	}

	clock.Advance(5 * time.Second) // reveal → intermission
	stateMsg := player.next(t, protocol.TypeState)
	var state protocol.StatePayload
	if err := stateMsg.UnmarshalData(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Phase != protocol.PhaseIntermission {
		t.Fatalf("expected intermission, got %s", state.Phase)
	}

	clock.Advance(3 * time.Second) // intermission → Q1
	player.next(t, protocol.TypeQuestion)

	// Q1: both answer correctly at t=2s, which closes the question without
	// waiting for the deadline. Alice carries streak 1 (+10%), Bob's streak
	// reset on the miss so no bonus.
	answerAt(t, room, clock, "host-1", 1, 0, 2*time.Second)
	answerAt(t, room, clock, "player-1", 1, 0, 0)

	reveal = decodeReveal(t, player.next(t, protocol.TypeReveal))
	alice = statFor(t, reveal, "host-1")
	bob = statFor(t, reveal, "player-1")
	if alice.ScoreDelta != 608 { // round(1000 × (1−sqrt(0.2)) × 1.1)
		t.Fatalf("expected Alice delta 608, got %d", alice.ScoreDelta)
	}
	if bob.ScoreDelta != 553 { // round(1000 × (1−sqrt(0.2)))
		t.Fatalf("expected Bob delta 553, got %d", bob.ScoreDelta)
	}

	clock.Advance(5 * time.Second) // final reveal → ended
	endMsg := player.next(t, protocol.TypeEnd)
	var end protocol.EndPayload
	if err := endMsg.UnmarshalData(&end); err != nil {
		t.Fatalf("decode end: %v", err)
	}
	if len(end.FinalLeaderboard) != 2 {
		t.Fatalf("expected 2 leaderboard entries, got %d", len(end.FinalLeaderboard))
	}
	if end.FinalLeaderboard[0].UserID != "host-1" || end.FinalLeaderboard[0].Score != 684+608 {
		t.Fatalf("expected Alice with %d, got %+v", 684+608, end.FinalLeaderboard[0])
	}
	if end.FinalLeaderboard[1].Score != 553 {
		t.Fatalf("expected Bob with 553, got %+v", end.FinalLeaderboard[1])
	}

	select {
	case result := <-sink.notify:
		if result.RoomID != "room-1" || result.TotalQuestions != 2 {
			t.Fatalf("unexpected result: %+v", result)
		}
		if len(result.Players) != 2 || len(result.Answers) != 3 {
			t.Fatalf("expected 2 players and 3 logged answers, got %d/%d", len(result.Players), len(result.Answers))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("result never published")
	}
	if sink.count() != 1 {
		t.Fatalf("result published %d times, want exactly once", sink.count())
	}
}

func TestNonHostStartIsUnauthorized(t *testing.T) {
	room, _ := startRoom(t, twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)
	host.expectNone(t, protocol.TypeQuestion)

	deliver(t, room, "player-1", protocol.TypeStart, protocol.StartPayload{})

	errMsg := player.next(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	_ = errMsg.UnmarshalData(&payload)
	if payload.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %s", payload.Code)
	}
	// No broadcast reached the host and the lobby is intact: the host can
	// still start normally.
	host.expectNone(t, protocol.TypeQuestion)
	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	host.next(t, protocol.TypeQuestion)
}

func TestStartWithNoQuestionsIsInvalidConfiguration(t *testing.T) {
	quiz := &domain.Quiz{ID: "quiz-empty"}
	room, _ := startRoom(t, quiz, domain.RoomSettings{QuestionDurationMS: 10000}, nil)

	host := newFakeConn("host-1")
	_ = room.Join("host-1", "Alice", host)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	errMsg := host.next(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	_ = errMsg.UnmarshalData(&payload)
	if payload.Code != protocol.CodeInvalidConfiguration {
		t.Fatalf("expected INVALID_CONFIGURATION, got %s", payload.Code)
	}
	host.expectNone(t, protocol.TypeQuestion)
}

func TestDuplicateAnswerRejected(t *testing.T) {
	room, clock := startRoom(t, twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	player.next(t, protocol.TypeQuestion)

	answerAt(t, room, clock, "player-1", 0, 1, time.Second)
	answerAt(t, room, clock, "player-1", 0, 0, time.Second)

	errMsg := player.next(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	_ = errMsg.UnmarshalData(&payload)
	if payload.Code != protocol.CodeDuplicateAnswer {
		t.Fatalf("expected DUPLICATE_ANSWER, got %s", payload.Code)
	}

	// First submission (t=1s, correct) stands.
	clock.Advance(8 * time.Second)
	reveal := decodeReveal(t, player.next(t, protocol.TypeReveal))
	bob := statFor(t, reveal, "player-1")
	if !bob.IsCorrect || bob.ScoreDelta != 684 {
		t.Fatalf("duplicate altered the score: %+v", bob)
	}
}

func TestLateAnswerRejected(t *testing.T) {
	room, clock := startRoom(t, twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	player.next(t, protocol.TypeQuestion)

	clock.Advance(10 * time.Second)
	player.next(t, protocol.TypeReveal)

	deliver(t, room, "player-1", protocol.TypeAnswer, protocol.AnswerPayload{QuestionIndex: 0, Choice: 1})
	errMsg := player.next(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	_ = errMsg.UnmarshalData(&payload)
	if payload.Code != protocol.CodeTooLate {
		t.Fatalf("expected TOO_LATE, got %s", payload.Code)
	}
}

func TestEagerRevealWhenAllOnlineAnswered(t *testing.T) {
	// Zero-value settings: early reveal needs no opt-in, it is how every
	// question ends once all online members have answered.
	room, clock := startRoom(t, twoQuestionQuiz(), domain.RoomSettings{}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	player.next(t, protocol.TypeQuestion)

	answerAt(t, room, clock, "host-1", 0, 1, time.Second)
	answerAt(t, room, clock, "player-1", 0, 1, 0)

	// Reveal happens without the deadline ever firing.
	reveal := decodeReveal(t, player.next(t, protocol.TypeReveal))
	if reveal.Index != 0 {
		t.Fatalf("unexpected reveal index %d", reveal.Index)
	}

	// The stale question deadline fires inside this window and must be a
	// no-op; the reveal timer drives us into intermission instead.
	clock.Advance(10 * time.Second)
	stateMsg := player.next(t, protocol.TypeState)
	var state protocol.StatePayload
	_ = stateMsg.UnmarshalData(&state)
	if state.Phase != protocol.PhaseIntermission {
		t.Fatalf("expected intermission after reveal, got %s", state.Phase)
	}

	clock.Advance(3 * time.Second)
	qMsg := player.next(t, protocol.TypeQuestion)
	var question protocol.QuestionPayload
	_ = qMsg.UnmarshalData(&question)
	if question.Index != 1 {
		t.Fatalf("expected question 1, got %d", question.Index)
	}
}

func TestKickIsIrreversible(t *testing.T) {
	room, _ := startRoom(t, twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000, AllowReconnect: true}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "host-1", protocol.TypeKick, protocol.KickPayload{UserID: "player-1", Reason: "afk"})

	kicked := player.next(t, protocol.TypeKicked)
	var payload protocol.KickedPayload
	_ = kicked.UnmarshalData(&payload)
	if payload.UserID != "player-1" {
		t.Fatalf("unexpected kicked payload: %+v", payload)
	}
	host.next(t, protocol.TypeKicked)

	waitUntil(t, player.isClosed, "kicked connection closed")

	if err := room.Join("player-1", "Bob", newFakeConn("player-1")); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected rejoin to be rejected, got %v", err)
	}
}

func TestKickByPlayerIsUnauthorized(t *testing.T) {
	room, _ := startRoom(t, twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "player-1", protocol.TypeKick, protocol.KickPayload{UserID: "host-1"})
	errMsg := player.next(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	_ = errMsg.UnmarshalData(&payload)
	if payload.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %s", payload.Code)
	}
}

func TestHostDisconnectDoesNotEndGame(t *testing.T) {
	room, clock := startRoom(t, twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	player.next(t, protocol.TypeQuestion)

	room.Leave("host-1", "disconnected")
	player.next(t, protocol.TypeLeft)

	// Bob is the only online member left, so his answer closes the question.
	// The offline host is scored as a miss and keeps their seat.
	answerAt(t, room, clock, "player-1", 0, 1, time.Second)

	reveal := decodeReveal(t, player.next(t, protocol.TypeReveal))
	if reveal.Index != 0 {
		t.Fatalf("unexpected reveal: %+v", reveal)
	}
	alice := statFor(t, reveal, "host-1")
	if alice.IsCorrect || alice.ScoreDelta != 0 {
		t.Fatalf("offline host should be a miss, got %+v", alice)
	}
}

func TestReconnectMidQuestionResendsQuestion(t *testing.T) {
	settings := domain.RoomSettings{QuestionDurationMS: 10000, AllowReconnect: true}
	room, clock := startRoom(t, twoQuestionQuiz(), settings, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	player.next(t, protocol.TypeQuestion)

	room.Leave("player-1", "disconnected")
	host.next(t, protocol.TypeLeft)

	clock.Advance(2 * time.Second)
	rejoined := newFakeConn("player-1")
	if err := room.Join("player-1", "Bob", rejoined); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	stateMsg := rejoined.next(t, protocol.TypeState)
	var state protocol.StatePayload
	_ = stateMsg.UnmarshalData(&state)
	if state.Phase != protocol.PhaseQuestion {
		t.Fatalf("expected question phase after reconnect, got %s", state.Phase)
	}

	// The new socket missed the broadcast, so the open question is resent
	// with the original deadline.
	qMsg := rejoined.next(t, protocol.TypeQuestion)
	var question protocol.QuestionPayload
	_ = qMsg.UnmarshalData(&question)
	if question.Index != 0 || question.Prompt != "2+2?" {
		t.Fatalf("unexpected question after reconnect: %+v", question)
	}

	// And it can still answer against that deadline.
	answerAt(t, room, clock, "player-1", 0, 1, time.Second)
	answerAt(t, room, clock, "host-1", 0, 1, 0)
	reveal := decodeReveal(t, rejoined.next(t, protocol.TypeReveal))
	bob := statFor(t, reveal, "player-1")
	if !bob.IsCorrect || bob.TimeTakenMS != 3000 {
		t.Fatalf("unexpected stat after reconnect: %+v", bob)
	}
}

func TestAnswerKeyOutOfRangeClosesRoom(t *testing.T) {
	quiz := &domain.Quiz{
		ID:    "quiz-bad",
		Title: "Broken",
		Questions: []domain.Question{
			{Index: 0, Prompt: "?", Options: []string{"a", "b"}, CorrectIndex: 5},
		},
	}
	room, clock := startRoom(t, quiz, domain.RoomSettings{QuestionDurationMS: 10000}, nil)

	host := newFakeConn("host-1")
	player := newFakeConn("player-1")
	_ = room.Join("host-1", "Alice", host)
	_ = room.Join("player-1", "Bob", player)

	deliver(t, room, "host-1", protocol.TypeStart, protocol.StartPayload{})
	player.next(t, protocol.TypeQuestion)

	// Rendering the answer key at reveal hits the out-of-range index; the
	// room fails closed with an internal error instead of taking the
	// process down.
	answerAt(t, room, clock, "host-1", 0, 1, time.Second)
	answerAt(t, room, clock, "player-1", 0, 0, 0)

	errMsg := player.next(t, protocol.TypeError)
	var payload protocol.ErrorPayload
	_ = errMsg.UnmarshalData(&payload)
	if payload.Code != protocol.CodeInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %s", payload.Code)
	}
	select {
	case <-room.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room never closed after failure")
	}
}

func TestRoomFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRoomSize = 1
	clock := clockwork.NewFakeClock()
	room := NewRoom("room-1", "482913", "host-1", twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000}, cfg, clock, nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go room.Run(ctx)

	if err := room.Join("host-1", "Alice", newFakeConn("host-1")); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if err := room.Join("player-1", "Bob", newFakeConn("player-1")); !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("expected room full, got %v", err)
	}
}

func TestIdleLobbyIsReaped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	reaped := make(chan string, 1)
	room := NewRoom("room-1", "482913", "host-1", twoQuestionQuiz(), domain.RoomSettings{QuestionDurationMS: 10000}, cfg, clock, nil,
		func(roomID, pin string) { reaped <- roomID }, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go room.Run(ctx)

	clock.BlockUntil(1) // idle timer armed
	clock.Advance(cfg.LobbyIdleTimeout)

	select {
	case roomID := <-reaped:
		if roomID != "room-1" {
			t.Fatalf("unexpected reaped room %s", roomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("idle lobby never reaped")
	}
	select {
	case <-room.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room never closed")
	}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
