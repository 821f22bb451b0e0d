package filter

import (
	"errors"
	"fmt"
)

var (
	ErrNoCollaborator    = errors.New("collaborator not configured")
	ErrInvalidPacket     = errors.New("invalid packet")
	ErrStaleTicket       = errors.New("stale ticket")
	ErrTransactionClosed = errors.New("transaction already committed or rolled back")
	ErrTransactionFailed = errors.New("transaction failed")
	ErrUnknownAnchor     = errors.New("unknown anchor")
	ErrAnchorLoop        = errors.New("anchor loop")
	ErrAnchorDepth       = errors.New("anchor depth exceeded")
	ErrUnknownPool       = errors.New("unknown pool")
	ErrRuleOrder         = errors.New("rule number out of order")
)

// Collaborator names used in diagnostics and metrics labels.
const (
	CollabTables     = "tables"
	CollabInterfaces = "interfaces"
	CollabRoutes     = "routes"
	CollabURPF       = "urpf"
	CollabAnchor     = "anchor"
	CollabPacket     = "packet"
	CollabTranslator = "translator"
	CollabState      = "state"
)

// CollaboratorError records which collaborator failed during evaluation.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func collabErr(name string, err error) error {
	return &CollaboratorError{Collaborator: name, Err: err}
}
