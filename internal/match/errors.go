package match

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull is returned when a room already has a joiner recorded.
	ErrRoomFull = errors.New("room full")
	// ErrRoomExists is returned when creating a room whose id is already
	// taken. Overwriting would silently drop the prior creator's pending
	// invite.
	ErrRoomExists = errors.New("room already exists")
)
