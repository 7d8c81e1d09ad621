package game

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"quiz-arena-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// QuizRepository loads quiz content, typically through a cache.
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// PINReserver marks PIN liveness in an external store. Best-effort: a
// reservation failure never blocks room creation, the in-process maps stay
// authoritative.
type PINReserver interface {
	Reserve(ctx context.Context, pin, roomID string, ttl time.Duration) error
	Release(ctx context.Context, pin string) error
}

// Registry is the process-wide directory of live rooms. The room map and the
// PIN map are guarded independently so PIN resolution never waits on room
// lifecycle churn, and no lock is ever held across a room operation.
type Registry struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *zap.Logger
	quizzes QuizRepository
	results ResultSink
	pins    *pinTable
	rooms   *roomTable
	rnd     *rand.Rand
}

func NewRegistry(cfg Config, quizzes QuizRepository, results ResultSink, pinStore PINReserver, clock clockwork.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With(zap.String("component", "registry")),
		quizzes: quizzes,
		results: results,
		pins:    newPinTable(pinStore),
		rooms:   newRoomTable(),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateRoom loads the quiz, allocates a unique PIN and starts the room
// actor. A quiz store failure aborts creation and surfaces to the creator.
func (g *Registry) CreateRoom(ctx context.Context, hostID string, quizID string, settings domain.RoomSettings) (*Room, error) {
	quiz, err := g.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("load quiz %s: %w", quizID, err)
	}

	roomID := uuid.New().String()
	pin, err := g.pins.allocate(ctx, roomID, g.generatePIN, g.cfg.LobbyIdleTimeout)
	if err != nil {
		return nil, err
	}

	room := NewRoom(roomID, pin, hostID, &quiz, settings, g.cfg, g.clock, g.results, g.remove, g.logger)
	g.rooms.put(room)
	go room.Run(ctx)

	g.logger.Info("room created",
		zap.String("room_id", roomID),
		zap.String("pin", pin),
		zap.String("quiz_id", quizID),
		zap.String("host_id", hostID))
	return room, nil
}

// RoomByID resolves a room by its durable identifier.
func (g *Registry) RoomByID(roomID string) (*Room, bool) {
	return g.rooms.get(roomID)
}

// RoomByPIN resolves a room through the human-entry PIN. Stale and reaped
// PINs do not resolve.
func (g *Registry) RoomByPIN(pin string) (*Room, bool) {
	roomID, ok := g.pins.resolve(pin)
	if !ok {
		return nil, false
	}
	return g.rooms.get(roomID)
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	return g.rooms.len()
}

// CloseAll shuts every live room down; used on server shutdown.
func (g *Registry) CloseAll() {
	for _, room := range g.rooms.all() {
		room.Close()
	}
}

// remove is the rooms' close callback. Releasing the PIN here is what makes
// PINs recyclable: a new room may claim the digits, and the old room id is
// no longer resolvable through them.
func (g *Registry) remove(roomID, pin string) {
	g.rooms.delete(roomID)
	g.pins.release(pin, roomID)
	g.logger.Info("room reaped", zap.String("room_id", roomID), zap.String("pin", pin))
}

// generatePIN draws random digits, skipping trivially guessable sequences.
func (g *Registry) generatePIN() string {
	length := g.cfg.PINLength
	if length <= 0 {
		length = 6
	}
	max := 1
	for i := 0; i < length; i++ {
		max *= 10
	}
	for {
		pin := fmt.Sprintf("%0*d", length, g.rnd.Intn(max))
		if pinIsGuessable(pin) {
			continue
		}
		return pin
	}
}

func pinIsGuessable(pin string) bool {
	if pin == "" {
		return true
	}
	same := true
	ascending := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			same = false
		}
		if pin[i] != pin[i-1]+1 {
			ascending = false
		}
	}
	return same || ascending || strings.HasPrefix(pin, "0000")
}
