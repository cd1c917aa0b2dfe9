package model

// ExistenceState is what the cache knows about a post id.
// Every id is in exactly one state at any instant.
type ExistenceState int

const (
	// Unreceived: the id has never been seen.
	Unreceived ExistenceState = iota
	// PlaceholderExists: the id was referenced (e.g. as a reply target)
	// before its payload arrived.
	PlaceholderExists
	// Exists: fully registered.
	Exists
	// ServerDeleted: tombstoned; never registered again.
	ServerDeleted
)

func (s ExistenceState) String() string {
	switch s {
	case Unreceived:
		return "unreceived"
	case PlaceholderExists:
		return "placeholder"
	case Exists:
		return "exists"
	case ServerDeleted:
		return "server_deleted"
	default:
		return "unknown"
	}
}
