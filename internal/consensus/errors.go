package consensus

import "errors"

var (
	// ErrNotPrimary is returned when a proposal is attempted on a replica
	// that is not the primary for the current view.
	ErrNotPrimary = errors.New("consensus: not the primary for current view")

	// ErrNoPrimary is returned when no primary can be determined, typically
	// because the node has not been initialized with a peer list.
	ErrNoPrimary = errors.New("consensus: no primary known")

	// ErrInvalidSignature marks a message whose signature does not verify.
	ErrInvalidSignature = errors.New("consensus: invalid message signature")

	// ErrInvalidPrimary marks a PRE_PREPARE sent by a node that is not the
	// expected primary for its view.
	ErrInvalidPrimary = errors.New("consensus: pre-prepare from non-primary")

	// ErrStaleSequence marks a proposal whose sequence is not newer than the
	// last committed one.
	ErrStaleSequence = errors.New("consensus: stale sequence number")

	// ErrStaleView marks a pre-prepare for a view this node has already
	// moved past. A deposed primary must not drive commits.
	ErrStaleView = errors.New("consensus: message from superseded view")

	ErrNotInitialized = errors.New("consensus: node not initialized")
)
