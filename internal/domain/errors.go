package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrRoomNotFound is returned when a PIN or room id does not resolve to a live room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull is returned when a room has reached its member limit.
	ErrRoomFull = errors.New("room is full")
	// ErrMemberNotFound is returned when a user acts on a room they never joined.
	ErrMemberNotFound = errors.New("member not found in room")
	// ErrUnauthorized is returned for role-gated actions issued by the wrong role,
	// and for kicked members trying to rejoin.
	ErrUnauthorized = errors.New("not allowed")
	// ErrDuplicateAnswer is returned when a member answers the same question twice.
	ErrDuplicateAnswer = errors.New("answer already submitted")
	// ErrTooLate is returned when an answer arrives past the question deadline.
	ErrTooLate = errors.New("answer deadline passed")
	// ErrInvalidConfiguration is returned when a quiz cannot be played as configured.
	ErrInvalidConfiguration = errors.New("invalid room configuration")
	// ErrUpstreamUnavailable wraps failures of the quiz store or the result store.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
