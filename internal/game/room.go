// Package game owns the per-room state machine and the process-wide room
// registry. Each room is a single-writer actor: one goroutine consumes its
// member actions and timer fires in arrival order, so room state needs no
// locking and rooms never contend with each other.
package game

import (
	"context"
	"sync"
	"time"

	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/protocol"
	"quiz-arena-service/internal/scoring"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Config carries the product constants of the phase machine. Reveal and
// intermission lengths and the PIN width are deployment configuration, not
// per-room settings.
type Config struct {
	QuestionDuration     time.Duration
	RevealDuration       time.Duration
	IntermissionDuration time.Duration
	LobbyIdleTimeout     time.Duration
	EndGracePeriod       time.Duration
	PINLength            int
	MaxRoomSize          int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		QuestionDuration:     30 * time.Second,
		RevealDuration:       5 * time.Second,
		IntermissionDuration: 3 * time.Second,
		LobbyIdleTimeout:     10 * time.Minute,
		EndGracePeriod:       time.Minute,
		PINLength:            6,
		MaxRoomSize:          50,
	}
}

// Connection is the room's view of one member's socket. Send must not block
// on network I/O; the transport layer buffers behind it.
type Connection interface {
	Send(msg *protocol.Message) error
	Close() error
	UserID() string
}

// ResultSink receives the aggregate result exactly once per room. Delivery
// and retry are the sink's problem; the room never blocks on it.
type ResultSink interface {
	Publish(ctx context.Context, result *domain.Result)
}

// Member is one participant. Owned exclusively by the room actor;
// connections only ever hold (room id, member id) for routing.
type Member struct {
	ID          string
	DisplayName string
	Role        string
	JoinedAt    time.Time
	Online      bool
	Conn        Connection
}

const (
	RoleHost   = "host"
	RolePlayer = "player"
)

type answerRecord struct {
	Choice  int
	Elapsed time.Duration
	At      time.Time
}

type event interface{}

type joinEvent struct {
	userID      string
	displayName string
	conn        Connection
	reply       chan error
}

type leaveEvent struct {
	userID string
	reason string
}

type actionEvent struct {
	userID string
	msg    *protocol.Message
}

type timerKind int

const (
	phaseTimer timerKind = iota
	idleTimer
	reapTimer
)

type timerEvent struct {
	kind timerKind
	gen  int
}

// flushEvent is an actor barrier: done closes once every event enqueued
// before it has been handled.
type flushEvent struct {
	done chan struct{}
}

// Room is one live quiz session. All fields below the channels are owned by
// the Run goroutine and must not be touched from outside it.
type Room struct {
	ID     string
	PIN    string
	HostID string
	QuizID string

	cfg      Config
	settings domain.RoomSettings
	quiz     *domain.Quiz
	clock    clockwork.Clock
	logger   *zap.Logger
	results  ResultSink
	onClose  func(roomID, pin string)

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	phase         string
	questionIndex int
	generation    int
	idleGen       int
	deadline      time.Time
	questionStart time.Time
	startedAt     time.Time
	members       map[string]*Member
	names         map[string]string
	kicked        map[string]struct{}
	tallies       map[string]*scoring.PlayerTally
	answers       map[int]map[string]*answerRecord
	answerLog     []domain.AnswerRecord
	published     bool
}

// NewRoom builds a room in the lobby phase. Call Run to start the actor.
func NewRoom(id, pin, hostID string, quiz *domain.Quiz, settings domain.RoomSettings, cfg Config, clock clockwork.Clock, results ResultSink, onClose func(roomID, pin string), logger *zap.Logger) *Room {
	if settings.QuestionDurationMS <= 0 {
		settings.QuestionDurationMS = int(cfg.QuestionDuration / time.Millisecond)
	}
	return &Room{
		ID:            id,
		PIN:           pin,
		HostID:        hostID,
		QuizID:        quiz.ID,
		cfg:           cfg,
		settings:      settings,
		quiz:          quiz,
		clock:         clock,
		logger:        logger.With(zap.String("room_id", id)),
		results:       results,
		onClose:       onClose,
		events:        make(chan event, 128),
		done:          make(chan struct{}),
		phase:         protocol.PhaseLobby,
		questionIndex: -1,
		members:       make(map[string]*Member),
		names:         make(map[string]string),
		kicked:        make(map[string]struct{}),
		tallies:       make(map[string]*scoring.PlayerTally),
		answers:       make(map[int]map[string]*answerRecord),
	}
}

// Run is the actor loop. It processes events strictly one at a time until
// the room closes. A panic while handling an event terminates only this
// room: a generic error is broadcast, the phase is forced to ended, and the
// process keeps serving every other room.
func (r *Room) Run(ctx context.Context) {
	r.logger.Info("room started", zap.String("pin", r.PIN), zap.String("quiz_id", r.QuizID))
	defer r.logger.Info("room stopped")
	defer r.recoverFailure(ctx)

	r.armIdleTimer()

	for {
		select {
		case <-ctx.Done():
			r.close()
			return
		case <-r.done:
			return
		case ev := <-r.events:
			r.dispatch(ctx, ev)
			select {
			case <-r.done:
				return
			default:
			}
		}
	}
}

func (r *Room) recoverFailure(ctx context.Context) {
	p := recover()
	if p == nil {
		return
	}
	r.logger.Error("room failed on invariant violation", zap.Any("panic", p))
	r.broadcast(protocol.NewErrorMessage(protocol.CodeInternalError, "room terminated unexpectedly"))
	r.phase = protocol.PhaseEnded
	r.deadline = time.Time{}
	r.close()
}

// Done is closed when the room has shut down.
func (r *Room) Done() <-chan struct{} { return r.done }

// Join attaches a member connection to the room. It blocks until the actor
// admits or rejects the member.
func (r *Room) Join(userID, displayName string, conn Connection) error {
	reply := make(chan error, 1)
	select {
	case r.events <- joinEvent{userID: userID, displayName: displayName, conn: conn, reply: reply}:
	case <-r.done:
		return domain.ErrRoomNotFound
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return domain.ErrRoomNotFound
	}
}

// Leave removes or offlines a member. Used for both explicit leave messages
// and transport-level disconnects.
func (r *Room) Leave(userID, reason string) {
	select {
	case r.events <- leaveEvent{userID: userID, reason: reason}:
	case <-r.done:
	}
}

// Deliver enqueues a decoded gameplay message for the actor. Delivery is
// best-effort: a member flooding the room loses messages, not the room.
func (r *Room) Deliver(userID string, msg *protocol.Message) {
	select {
	case r.events <- actionEvent{userID: userID, msg: msg}:
	case <-r.done:
	default:
		r.logger.Warn("event queue full, dropping message",
			zap.String("user_id", userID), zap.String("type", msg.Type))
	}
}

// Close shuts the room down from outside the actor (registry sweep, server
// shutdown). Idempotent.
func (r *Room) Close() {
	select {
	case <-r.done:
	default:
		select {
		case r.events <- timerEvent{kind: reapTimer, gen: -1}:
		case <-r.done:
		}
	}
}

func (r *Room) close() {
	r.closeOnce.Do(func() {
		for _, member := range r.members {
			if member.Conn != nil {
				_ = member.Conn.Close()
			}
		}
		if r.onClose != nil {
			r.onClose(r.ID, r.PIN)
		}
		close(r.done)
	})
}

func (r *Room) dispatch(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case joinEvent:
		e.reply <- r.handleJoin(e)
	case leaveEvent:
		r.handleLeave(e.userID, e.reason)
	case actionEvent:
		r.handleAction(ctx, e)
	case timerEvent:
		r.handleTimer(ctx, e)
	case flushEvent:
		close(e.done)
	}
}

// Timers

// armPhaseTimer schedules the guaranteed transition out of the current
// phase. The event carries the generation it was armed for; a fire that
// races an eager transition is ignored as stale.
func (r *Room) armPhaseTimer(d time.Duration) {
	gen := r.generation
	timer := r.clock.NewTimer(d)
	go func() {
		select {
		case <-timer.Chan():
			select {
			case r.events <- timerEvent{kind: phaseTimer, gen: gen}:
			case <-r.done:
			}
		case <-r.done:
			timer.Stop()
		}
	}()
}

func (r *Room) armIdleTimer() {
	gen := r.idleGen
	timer := r.clock.NewTimer(r.cfg.LobbyIdleTimeout)
	go func() {
		select {
		case <-timer.Chan():
			select {
			case r.events <- timerEvent{kind: idleTimer, gen: gen}:
			case <-r.done:
			}
		case <-r.done:
			timer.Stop()
		}
	}()
}

func (r *Room) armReapTimer() {
	timer := r.clock.NewTimer(r.cfg.EndGracePeriod)
	go func() {
		select {
		case <-timer.Chan():
			select {
			case r.events <- timerEvent{kind: reapTimer, gen: -1}:
			case <-r.done:
			}
		case <-r.done:
			timer.Stop()
		}
	}()
}

func (r *Room) handleTimer(ctx context.Context, ev timerEvent) {
	switch ev.kind {
	case reapTimer:
		r.close()
	case idleTimer:
		if ev.gen == r.idleGen && r.phase == protocol.PhaseLobby && len(r.members) == 0 {
			r.logger.Info("reaping idle lobby")
			r.close()
		}
	case phaseTimer:
		if ev.gen != r.generation {
			return // stale fire after an eager transition
		}
		switch r.phase {
		case protocol.PhaseQuestion:
			r.reveal(ctx)
		case protocol.PhaseReveal:
			r.afterReveal(ctx)
		case protocol.PhaseIntermission:
			r.startQuestion(ctx, r.questionIndex+1)
		}
	}
}

// Membership

func (r *Room) handleJoin(ev joinEvent) error {
	if r.phase == protocol.PhaseEnded {
		return domain.ErrRoomNotFound
	}
	if _, wasKicked := r.kicked[ev.userID]; wasKicked {
		return domain.ErrUnauthorized
	}

	if existing, ok := r.members[ev.userID]; ok {
		// Reconnect: same identity returns, flips back online.
		if existing.Online && !r.settings.AllowReconnect {
			return domain.ErrUnauthorized
		}
		if existing.Conn != nil && existing.Conn != ev.conn {
			_ = existing.Conn.Close()
		}
		existing.Conn = ev.conn
		existing.Online = true
		if ev.displayName != "" {
			existing.DisplayName = ev.displayName
			r.names[ev.userID] = ev.displayName
		}
		r.sendState(existing.Conn)
		r.sendOpenQuestion(existing.Conn)
		r.broadcastState()
		r.logger.Info("member reconnected", zap.String("user_id", ev.userID))
		return nil
	}

	if len(r.members) >= r.cfg.MaxRoomSize {
		return domain.ErrRoomFull
	}

	role := RolePlayer
	if ev.userID == r.HostID {
		role = RoleHost
	}
	member := &Member{
		ID:          ev.userID,
		DisplayName: ev.displayName,
		Role:        role,
		JoinedAt:    r.clock.Now(),
		Online:      true,
		Conn:        ev.conn,
	}
	r.members[ev.userID] = member
	r.names[ev.userID] = ev.displayName
	r.idleGen++

	joined, err := protocol.NewMessage(protocol.TypeJoined, protocol.JoinedPayload{User: r.memberToWire(member)})
	if err == nil {
		r.broadcast(joined)
	}
	r.sendState(member.Conn)
	r.sendOpenQuestion(member.Conn)
	r.broadcastState()

	r.logger.Info("member joined",
		zap.String("user_id", ev.userID),
		zap.String("display_name", ev.displayName),
		zap.String("role", role))
	return nil
}

func (r *Room) handleLeave(userID, reason string) {
	member, ok := r.members[userID]
	if !ok {
		return
	}

	if r.phase == protocol.PhaseLobby {
		delete(r.members, userID)
		delete(r.tallies, userID)
		delete(r.names, userID)
		r.idleGen++
		if len(r.members) == 0 {
			r.armIdleTimer()
		}
	} else {
		// Mid-game the member only goes offline: score is retained and the
		// phase keeps running on its existing timers. This holds for the
		// host too; authority lives in the room actor, not any connection.
		member.Online = false
		member.Conn = nil
	}

	left, err := protocol.NewMessage(protocol.TypeLeft, protocol.LeftPayload{UserID: userID, Reason: reason})
	if err == nil {
		r.broadcast(left)
	}
	r.broadcastState()
	r.logger.Info("member left", zap.String("user_id", userID), zap.String("reason", reason))

	if r.phase == protocol.PhaseQuestion {
		r.maybeEagerReveal(context.Background())
	}
}

// Actions

func (r *Room) handleAction(ctx context.Context, ev actionEvent) {
	member, ok := r.members[ev.userID]
	if !ok {
		r.logger.Warn("message from unknown member", zap.String("user_id", ev.userID))
		return
	}

	switch ev.msg.Type {
	case protocol.TypeStart:
		r.handleStart(ctx, member)
	case protocol.TypeAnswer:
		r.handleAnswer(ctx, member, ev.msg)
	case protocol.TypeKick:
		r.handleKick(member, ev.msg)
	case protocol.TypeLeave:
		r.handleLeave(member.ID, "left")
	case protocol.TypePing:
		r.handlePing(member, ev.msg)
	default:
		r.sendError(member.Conn, protocol.CodeMalformedMessage, "unexpected message type")
	}
}

func (r *Room) handleStart(ctx context.Context, member *Member) {
	if member.Role != RoleHost {
		r.sendError(member.Conn, protocol.CodeUnauthorized, "only the host can start the quiz")
		return
	}
	if r.phase != protocol.PhaseLobby {
		r.sendError(member.Conn, protocol.CodeInvalidConfiguration, "quiz already started")
		return
	}
	if len(r.quiz.Questions) == 0 {
		r.sendError(member.Conn, protocol.CodeInvalidConfiguration, "quiz has no questions")
		return
	}

	r.startedAt = r.clock.Now()
	r.startQuestion(ctx, 0)
}

func (r *Room) handleAnswer(ctx context.Context, member *Member, msg *protocol.Message) {
	var payload protocol.AnswerPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		r.sendError(member.Conn, protocol.CodeMalformedMessage, "invalid answer payload")
		return
	}

	if r.phase != protocol.PhaseQuestion || payload.QuestionIndex != r.questionIndex {
		r.sendError(member.Conn, protocol.CodeTooLate, "question is not accepting answers")
		return
	}
	if _, answered := r.answers[r.questionIndex][member.ID]; answered {
		r.sendError(member.Conn, protocol.CodeDuplicateAnswer, "answer already submitted")
		return
	}
	now := r.clock.Now()
	if now.After(r.deadline) {
		r.sendError(member.Conn, protocol.CodeTooLate, "answer deadline passed")
		return
	}
	question := r.quiz.Questions[r.questionIndex]
	if payload.Choice < 0 || payload.Choice >= len(question.Options) {
		r.sendError(member.Conn, protocol.CodeMalformedMessage, "choice out of range")
		return
	}

	elapsed := now.Sub(r.questionStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if r.answers[r.questionIndex] == nil {
		r.answers[r.questionIndex] = make(map[string]*answerRecord)
	}
	r.answers[r.questionIndex][member.ID] = &answerRecord{
		Choice:  payload.Choice,
		Elapsed: elapsed,
		At:      now,
	}

	r.logger.Debug("answer received",
		zap.String("user_id", member.ID),
		zap.Int("question", r.questionIndex),
		zap.Int("choice", payload.Choice),
		zap.Duration("elapsed", elapsed))

	r.maybeEagerReveal(ctx)
}

// maybeEagerReveal ends the question early once every online member has
// answered. The pending deadline timer becomes a stale no-op.
func (r *Room) maybeEagerReveal(ctx context.Context) {
	if r.phase != protocol.PhaseQuestion {
		return
	}
	submitted := r.answers[r.questionIndex]
	online := 0
	for _, member := range r.members {
		if !member.Online {
			continue
		}
		online++
		if _, ok := submitted[member.ID]; !ok {
			return
		}
	}
	if online == 0 {
		return
	}
	r.logger.Debug("all online members answered, revealing early", zap.Int("question", r.questionIndex))
	r.reveal(ctx)
}

func (r *Room) handleKick(member *Member, msg *protocol.Message) {
	if member.Role != RoleHost {
		r.sendError(member.Conn, protocol.CodeUnauthorized, "only the host can kick members")
		return
	}
	if r.phase == protocol.PhaseEnded {
		r.sendError(member.Conn, protocol.CodeRoomNotFound, "room has ended")
		return
	}

	var payload protocol.KickPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		r.sendError(member.Conn, protocol.CodeMalformedMessage, "invalid kick payload")
		return
	}
	target, ok := r.members[payload.UserID]
	if !ok {
		r.sendError(member.Conn, protocol.CodeMalformedMessage, "unknown member")
		return
	}
	if target.Role == RoleHost {
		r.sendError(member.Conn, protocol.CodeUnauthorized, "cannot kick the host")
		return
	}

	// Irreversible within this session: the identity may not rejoin.
	r.kicked[payload.UserID] = struct{}{}
	delete(r.members, payload.UserID)
	delete(r.tallies, payload.UserID)
	delete(r.names, payload.UserID)
	r.idleGen++

	kicked, err := protocol.NewMessage(protocol.TypeKicked, protocol.KickedPayload{UserID: payload.UserID, Reason: payload.Reason})
	if err == nil {
		if target.Conn != nil {
			_ = target.Conn.Send(kicked)
		}
		r.broadcast(kicked)
	}
	if target.Conn != nil {
		_ = target.Conn.Close()
	}
	r.broadcastState()
	r.logger.Info("member kicked", zap.String("user_id", payload.UserID), zap.String("reason", payload.Reason))
}

func (r *Room) handlePing(member *Member, msg *protocol.Message) {
	var payload protocol.PingPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		return
	}
	pong, err := protocol.NewMessage(protocol.TypePong, protocol.PongPayload{Timestamp: payload.Timestamp})
	if err == nil && member.Conn != nil {
		_ = member.Conn.Send(pong)
	}
}

// Phase transitions

func (r *Room) startQuestion(ctx context.Context, index int) {
	if index >= len(r.quiz.Questions) {
		r.end(ctx)
		return
	}

	question := r.quiz.Questions[index]
	limit := question.TimeLimit(time.Duration(r.settings.QuestionDurationMS) * time.Millisecond)
	now := r.clock.Now()

	r.phase = protocol.PhaseQuestion
	r.questionIndex = index
	r.generation++
	r.questionStart = now
	r.deadline = now.Add(limit)
	r.armPhaseTimer(limit)

	if msg, err := r.questionMessage(); err == nil {
		r.broadcast(msg)
	}
	r.logger.Info("question started", zap.Int("index", index), zap.Duration("limit", limit))
}

// questionMessage renders the open question sans answer key. Valid only in
// the question phase.
func (r *Room) questionMessage() (*protocol.Message, error) {
	question := r.quiz.Questions[r.questionIndex]
	limit := question.TimeLimit(time.Duration(r.settings.QuestionDurationMS) * time.Millisecond)
	return protocol.NewMessage(protocol.TypeQuestion, protocol.QuestionPayload{
		Index:      r.questionIndex,
		Prompt:     question.Prompt,
		Options:    question.Options,
		DeadlineMS: r.deadline.UnixMilli(),
		DurationMS: int(limit / time.Millisecond),
	})
}

// reveal scores every current member for the question that just closed:
// recorded answers through the scoring formula, everyone else as a miss.
func (r *Room) reveal(ctx context.Context) {
	if r.phase != protocol.PhaseQuestion {
		return
	}

	index := r.questionIndex
	question := r.quiz.Questions[index]
	limit := question.TimeLimit(time.Duration(r.settings.QuestionDurationMS) * time.Millisecond)
	submitted := r.answers[index]

	stats := make([]protocol.PlayerStat, 0, len(r.members))
	for userID, member := range r.members {
		tally := r.ensureTally(userID)
		record, ok := submitted[userID]
		if !ok {
			tally.RecordMiss()
			stats = append(stats, protocol.PlayerStat{
				UserID:      userID,
				DisplayName: member.DisplayName,
				IsCorrect:   false,
				TimeTakenMS: limit.Milliseconds(),
				ScoreDelta:  0,
			})
			continue
		}

		correct := record.Choice == question.CorrectIndex
		delta, newStreak := scoring.Score(record.Elapsed, limit, correct, tally.Streak)
		tally.Record(delta, correct, record.Elapsed, newStreak)

		choice := record.Choice
		stats = append(stats, protocol.PlayerStat{
			UserID:      userID,
			DisplayName: member.DisplayName,
			Choice:      &choice,
			IsCorrect:   correct,
			TimeTakenMS: record.Elapsed.Milliseconds(),
			ScoreDelta:  delta,
		})
		r.answerLog = append(r.answerLog, domain.AnswerRecord{
			UserID:         userID,
			QuestionIndex:  index,
			Choice:         record.Choice,
			IsCorrect:      correct,
			ResponseTimeMS: record.Elapsed.Milliseconds(),
			ScoreDelta:     delta,
			AnsweredAt:     record.At,
		})
	}
	// Raw answers are not needed past this point; the log above is what
	// survives into the final result.
	delete(r.answers, index)

	leaderboard := r.wireLeaderboard()

	r.phase = protocol.PhaseReveal
	r.generation++
	r.questionStart = time.Time{}
	r.deadline = r.clock.Now().Add(r.cfg.RevealDuration)
	r.armPhaseTimer(r.cfg.RevealDuration)

	msg, err := protocol.NewMessage(protocol.TypeReveal, protocol.RevealPayload{
		Index:         index,
		CorrectIndex:  question.CorrectIndex,
		CorrectChoice: question.Options[question.CorrectIndex],
		Explanation:   question.Explanation,
		PlayerStats:   stats,
		Leaderboard:   leaderboard,
	})
	if err == nil {
		r.broadcast(msg)
	}
	r.sendScoreUpdates(leaderboard)
	r.logger.Info("question revealed", zap.Int("index", index), zap.Int("answers", len(stats)))
}

func (r *Room) afterReveal(ctx context.Context) {
	if r.questionIndex+1 >= len(r.quiz.Questions) {
		r.end(ctx)
		return
	}
	r.startIntermission()
}

func (r *Room) startIntermission() {
	r.phase = protocol.PhaseIntermission
	r.generation++
	r.deadline = r.clock.Now().Add(r.cfg.IntermissionDuration)
	r.armPhaseTimer(r.cfg.IntermissionDuration)
	// Nothing new to say beyond the phase marker; clients animate off this.
	r.broadcastState()
	r.logger.Info("intermission started")
}

func (r *Room) end(ctx context.Context) {
	r.phase = protocol.PhaseEnded
	r.generation++
	r.deadline = time.Time{}

	leaderboard := r.wireLeaderboard()
	endedAt := r.clock.Now()
	result := r.buildResult(endedAt, leaderboard)

	msg, err := protocol.NewMessage(protocol.TypeEnd, protocol.EndPayload{
		FinalLeaderboard: leaderboard,
		Stats: protocol.QuizStats{
			TotalQuestions:    result.TotalQuestions,
			TotalParticipants: len(result.Players),
			AverageScore:      averageScore(result.Players),
			CompletionRate:    completionRate(result.Players, result.TotalQuestions),
			DurationMS:        result.DurationMS,
		},
	})
	if err == nil {
		r.broadcast(msg)
	}
	r.broadcastState()

	if !r.published && r.results != nil {
		r.published = true
		go r.results.Publish(ctx, result)
	}

	r.armReapTimer()
	r.logger.Info("quiz ended", zap.Int("players", len(result.Players)))
}

func (r *Room) buildResult(endedAt time.Time, leaderboard []protocol.LeaderEntry) *domain.Result {
	players := make([]domain.PlayerResult, 0, len(leaderboard))
	for _, entry := range leaderboard {
		tally := r.ensureTally(entry.UserID)
		players = append(players, domain.PlayerResult{
			UserID:            entry.UserID,
			DisplayName:       entry.DisplayName,
			FinalScore:        entry.Score,
			CorrectAnswers:    tally.Correct,
			TotalAnswers:      tally.Answered,
			Accuracy:          tally.Accuracy(),
			AverageResponseMS: tally.AverageResponse().Milliseconds(),
			MaxStreak:         tally.MaxStreak,
		})
	}

	answers := make([]domain.AnswerRecord, len(r.answerLog))
	copy(answers, r.answerLog)

	return &domain.Result{
		RoomID:         r.ID,
		QuizID:         r.QuizID,
		HostID:         r.HostID,
		StartedAt:      r.startedAt,
		EndedAt:        endedAt,
		DurationMS:     endedAt.Sub(r.startedAt).Milliseconds(),
		TotalQuestions: len(r.quiz.Questions),
		Players:        players,
		Answers:        answers,
	}
}

// Broadcast helpers

func (r *Room) ensureTally(userID string) *scoring.PlayerTally {
	tally, ok := r.tallies[userID]
	if !ok {
		tally = &scoring.PlayerTally{}
		r.tallies[userID] = tally
	}
	return tally
}

func (r *Room) wireLeaderboard() []protocol.LeaderEntry {
	entries := scoring.Leaderboard(r.tallies, r.names)
	wire := make([]protocol.LeaderEntry, len(entries))
	for i, entry := range entries {
		wire[i] = protocol.LeaderEntry{
			UserID:      entry.UserID,
			DisplayName: entry.DisplayName,
			Score:       entry.Score,
			Rank:        entry.Rank,
			Correct:     entry.Correct,
			Total:       entry.Total,
		}
	}
	return wire
}

func (r *Room) sendScoreUpdates(leaderboard []protocol.LeaderEntry) {
	ranks := make(map[string]int, len(leaderboard))
	for _, entry := range leaderboard {
		ranks[entry.UserID] = entry.Rank
	}
	for userID, member := range r.members {
		if member.Conn == nil || !member.Online {
			continue
		}
		tally := r.ensureTally(userID)
		msg, err := protocol.NewMessage(protocol.TypeScore, protocol.ScorePayload{
			UserID:     userID,
			Score:      tally.Score,
			ScoreDelta: lastDelta(r.answerLog, userID, r.questionIndex),
			Streak:     tally.Streak,
			Rank:       ranks[userID],
		})
		if err == nil {
			_ = member.Conn.Send(msg)
		}
	}
}

func lastDelta(log []domain.AnswerRecord, userID string, index int) int {
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].UserID == userID && log[i].QuestionIndex == index {
			return log[i].ScoreDelta
		}
	}
	return 0
}

func (r *Room) stateMessage() (*protocol.Message, error) {
	members := make([]protocol.Member, 0, len(r.members))
	for _, member := range r.members {
		members = append(members, r.memberToWire(member))
	}
	var deadline *int64
	if !r.deadline.IsZero() {
		ms := r.deadline.UnixMilli()
		deadline = &ms
	}
	msg, err := protocol.NewMessage(protocol.TypeState, protocol.StatePayload{
		Phase:          r.phase,
		RoomID:         r.ID,
		PIN:            r.PIN,
		HostID:         r.HostID,
		QuestionIndex:  r.questionIndex,
		TotalQuestions: len(r.quiz.Questions),
		PhaseDeadline:  deadline,
		Members:        members,
		Settings: protocol.RoomSettings{
			QuestionDurationMS: r.settings.QuestionDurationMS,
			AllowReconnect:     r.settings.AllowReconnect,
			ShowLeaderboard:    r.settings.ShowLeaderboard,
		},
	})
	if err != nil {
		return nil, err
	}
	msg.RoomID = &r.ID
	return msg, nil
}

// sendOpenQuestion re-sends the in-flight question so a member arriving
// mid-question has the prompt and options to answer with.
func (r *Room) sendOpenQuestion(conn Connection) {
	if conn == nil || r.phase != protocol.PhaseQuestion {
		return
	}
	msg, err := r.questionMessage()
	if err != nil {
		r.logger.Error("failed to build question message", zap.Error(err))
		return
	}
	if err := conn.Send(msg); err != nil {
		r.logger.Warn("failed to resend question", zap.Error(err), zap.String("user_id", conn.UserID()))
	}
}

func (r *Room) sendState(conn Connection) {
	if conn == nil {
		return
	}
	msg, err := r.stateMessage()
	if err != nil {
		r.logger.Error("failed to build state message", zap.Error(err))
		return
	}
	if err := conn.Send(msg); err != nil {
		r.logger.Warn("failed to send state", zap.Error(err), zap.String("user_id", conn.UserID()))
	}
}

func (r *Room) broadcastState() {
	msg, err := r.stateMessage()
	if err != nil {
		r.logger.Error("failed to build state message", zap.Error(err))
		return
	}
	r.broadcast(msg)
}

func (r *Room) broadcast(msg *protocol.Message) {
	for _, member := range r.members {
		if member.Conn == nil || !member.Online {
			continue
		}
		if err := member.Conn.Send(msg); err != nil {
			r.logger.Warn("failed to send to member",
				zap.String("user_id", member.ID), zap.Error(err))
		}
	}
}

func (r *Room) sendError(conn Connection, code, message string) {
	if conn == nil {
		return
	}
	_ = conn.Send(protocol.NewErrorMessage(code, message))
}

func (r *Room) memberToWire(member *Member) protocol.Member {
	return protocol.Member{
		ID:          member.ID,
		DisplayName: member.DisplayName,
		Role:        member.Role,
		Score:       r.ensureTally(member.ID).Score,
		IsOnline:    member.Online,
		JoinedAt:    member.JoinedAt.UnixMilli(),
	}
}

func averageScore(players []domain.PlayerResult) float64 {
	if len(players) == 0 {
		return 0
	}
	total := 0
	for _, p := range players {
		total += p.FinalScore
	}
	return float64(total) / float64(len(players))
}

func completionRate(players []domain.PlayerResult, questions int) float64 {
	if len(players) == 0 || questions == 0 {
		return 0
	}
	answered := 0
	for _, p := range players {
		answered += p.TotalAnswers
	}
	return float64(answered) / float64(questions*len(players)) * 100.0
}
