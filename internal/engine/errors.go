package engine

import "errors"

// Sentinel errors surfaced by engine operations. Storage-level
// sentinels such as storage.ErrKeyNotFound and
// storage.ErrCapacityExceeded pass through wrapped; callers test both
// layers with errors.Is.
var (
	// ErrGroupExists reports a create under a name already registered.
	ErrGroupExists = errors.New("group already exists")

	// ErrGroupNotFound reports an operation addressing an unknown
	// group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrObjectExists reports a create for a key the group already
	// holds.
	ErrObjectExists = errors.New("object already exists")

	// ErrInvalidGroupName reports a create with an empty group name.
	// Names key manifests, event subjects, and API routes.
	ErrInvalidGroupName = errors.New("invalid group name")
)
