package watch

import "time"

// Kind is the canonical change event type, normalized from raw OS
// notifications.
type Kind uint8

const (
	Created Kind = iota + 1
	Modified
	Deleted
	RenamedFrom
	RenamedTo
)

var kindNames = map[Kind]string{
	Created:     "created",
	Modified:    "modified",
	Deleted:     "deleted",
	RenamedFrom: "renamed_from",
	RenamedTo:   "renamed_to",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one debounced, deduplicated filesystem change for a root.
// Renames arrive as a correlated RenamedFrom/RenamedTo pair; when
// correlation is ambiguous they degrade to independent Deleted+Created.
type Event struct {
	Root       string
	RelPath    string
	Kind       Kind
	ObservedAt time.Time
	// RenamePeer carries the other half of a rename pair: the new path
	// on RenamedFrom, the old path on RenamedTo.
	RenamePeer string
}
