package mapping

import "errors"

var (
	// ErrUnknownTag indicates a scanned tag matches no connector of the target machine.
	ErrUnknownTag = errors.New("mapping: unknown tag")
	// ErrAlreadyMapped indicates the resolved connector is already part of a pair.
	ErrAlreadyMapped = errors.New("mapping: connector already mapped")
	// ErrIncompleteMapping indicates finalisation was attempted with unpaired implement connectors.
	ErrIncompleteMapping = errors.New("mapping: implement connectors left unpaired")
	// ErrInvalidCapacityRelation indicates the implement has more connectors than the tractor,
	// or either side has none.
	ErrInvalidCapacityRelation = errors.New("mapping: implement capacity exceeds tractor capacity")
	// ErrInvalidState indicates an operation was called in a state that does not accept it.
	ErrInvalidState = errors.New("mapping: operation not valid in current state")
	// ErrSessionClosed indicates the session was already finalized.
	ErrSessionClosed = errors.New("mapping: session closed")
)
