package game

import (
	"context"
	"sync"
	"time"
)

// roomTable is the id → room lookup.
type roomTable struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func newRoomTable() *roomTable {
	return &roomTable{rooms: make(map[string]*Room)}
}

func (t *roomTable) put(room *Room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms[room.ID] = room
}

func (t *roomTable) get(roomID string) (*Room, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.rooms[roomID]
	return room, ok
}

func (t *roomTable) delete(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}

func (t *roomTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

func (t *roomTable) all() []*Room {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rooms := make([]*Room, 0, len(t.rooms))
	for _, room := range t.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// pinTable is the PIN → room id lookup. Only the registry mutates it.
type pinTable struct {
	mu    sync.RWMutex
	pins  map[string]string
	store PINReserver
}

func newPinTable(store PINReserver) *pinTable {
	return &pinTable{pins: make(map[string]string), store: store}
}

// allocate draws PINs from generate until one is free among active rooms,
// claims it, and best-effort mirrors the claim to the external store.
func (t *pinTable) allocate(ctx context.Context, roomID string, generate func() string, ttl time.Duration) (string, error) {
	t.mu.Lock()
	var pin string
	for {
		pin = generate()
		if _, taken := t.pins[pin]; !taken {
			break
		}
	}
	t.pins[pin] = roomID
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Reserve(ctx, pin, roomID, ttl); err != nil {
			return pin, nil // liveness marker only; in-process map is authoritative
		}
	}
	return pin, nil
}

func (t *pinTable) resolve(pin string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roomID, ok := t.pins[pin]
	return roomID, ok
}

// release frees the PIN only if it still belongs to roomID; a recycled PIN
// claimed by a newer room must not be torn down by the old room's reap.
func (t *pinTable) release(pin, roomID string) {
	t.mu.Lock()
	current, ok := t.pins[pin]
	if ok && current == roomID {
		delete(t.pins, pin)
	}
	released := ok && current == roomID
	t.mu.Unlock()

	if released && t.store != nil {
		_ = t.store.Release(context.Background(), pin)
	}
}
