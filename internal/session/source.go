package session

import (
	"fmt"
	"sync"
)

// Identity describes a connected sender device.
type Identity struct {
	DeviceID string
	Model    string
	Name     string
}

// Transition classifies the effect of a connect on a slot.
type Transition int

const (
	// Connected means the slot was free and is now occupied.
	Connected Transition = iota
	// Replaced means a different device took over an occupied slot.
	Replaced
	// Unchanged means the same device reconnected to its own slot.
	Unchanged
)

func (t Transition) String() string {
	switch t {
	case Connected:
		return "connected"
	case Replaced:
		return "replaced"
	case Unchanged:
		return "unchanged"
	}
	return fmt.Sprintf("transition(%d)", int(t))
}

// SourceSlot is one fixed capture position. Slots are created once at
// startup and keep their index and source name for the process lifetime;
// only the occupying device changes.
type SourceSlot struct {
	Index      int
	SourceName string

	mu       sync.Mutex
	occupied bool
	identity Identity
}

// NewSourceSlot creates a free slot. The source name follows the
// "<prefix><index+1>" convention and names the slot's directory and files.
func NewSourceSlot(index int, prefix string) *SourceSlot {
	return &SourceSlot{
		Index:      index,
		SourceName: fmt.Sprintf("%s%d", prefix, index+1),
	}
}

// Connect records a device taking the slot. A different device on an
// occupied slot replaces the previous occupant immediately; there is no
// holding state.
func (s *SourceSlot) Connect(id Identity) (Transition, Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.occupied && s.identity.DeviceID == id.DeviceID {
		s.identity = id
		return Unchanged, Identity{}
	}
	prev := s.identity
	wasOccupied := s.occupied
	s.occupied = true
	s.identity = id
	if wasOccupied {
		return Replaced, prev
	}
	return Connected, Identity{}
}

// Disconnect frees the slot if the given device currently occupies it.
// A stale disconnect from a replaced device is ignored.
func (s *SourceSlot) Disconnect(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.occupied || s.identity.DeviceID != deviceID {
		return false
	}
	s.occupied = false
	s.identity = Identity{}
	return true
}

// Occupant returns the current device, if any.
func (s *SourceSlot) Occupant() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.occupied
}
