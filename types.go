package ringsync

import (
	"errors"

	"go-ringsync/transport"
)

var (
	// ErrShutdown is returned by blocking calls interrupted by Shutdown.
	ErrShutdown = errors.New("process shut down")

	// ErrPeerDied is returned when the counterpart of a pending synchronous
	// operation is declared dead before the operation completes.
	ErrPeerDied = errors.New("peer died")

	// ErrNotJoined is returned when the process is used before Join succeeds.
	ErrNotJoined = errors.New("process has not joined")

	// ErrUnknownPeer is returned when a destination id is not in the current
	// membership view.
	ErrUnknownPeer = errors.New("unknown peer id")
)

// Delivery is an incoming user payload handed to the delivery handler.
type Delivery struct {
	SenderID  int
	LogicalTS uint64
	Payload   []byte
}

// member is one entry of the membership view.
type member struct {
	ID       int
	Endpoint transport.Endpoint
}

// viewChange describes why the membership view moved to a new generation.
type viewChange int

const (
	changeJoin viewChange = iota
	changeDeath
)
