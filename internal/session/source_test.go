package session

import (
	"testing"
)

func TestNewSourceSlotNaming(t *testing.T) {
	t.Parallel()
	s := NewSourceSlot(0, "AirCap")
	if s.SourceName != "AirCap1" {
		t.Errorf("SourceName: got %q, want AirCap1", s.SourceName)
	}
	s = NewSourceSlot(3, "AirCap")
	if s.SourceName != "AirCap4" {
		t.Errorf("SourceName: got %q, want AirCap4", s.SourceName)
	}
}

func TestSlotConnectTransitions(t *testing.T) {
	t.Parallel()
	s := NewSourceSlot(0, "AirCap")
	a := Identity{DeviceID: "aa", Name: "Phone A"}
	b := Identity{DeviceID: "bb", Name: "Phone B"}

	tr, _ := s.Connect(a)
	if tr != Connected {
		t.Errorf("first connect: got %s, want connected", tr)
	}

	tr, _ = s.Connect(a)
	if tr != Unchanged {
		t.Errorf("same-device reconnect: got %s, want unchanged", tr)
	}

	// A different device takes the slot immediately; there is no holding
	// state while the previous occupant lingers.
	tr, prev := s.Connect(b)
	if tr != Replaced {
		t.Errorf("takeover: got %s, want replaced", tr)
	}
	if prev.DeviceID != "aa" {
		t.Errorf("previous occupant: got %q, want aa", prev.DeviceID)
	}

	got, occupied := s.Occupant()
	if !occupied || got.DeviceID != "bb" {
		t.Errorf("occupant after takeover: got %+v occupied=%v", got, occupied)
	}
}

func TestSlotDisconnect(t *testing.T) {
	t.Parallel()
	s := NewSourceSlot(0, "AirCap")
	a := Identity{DeviceID: "aa"}
	b := Identity{DeviceID: "bb"}

	if s.Disconnect("aa") {
		t.Error("disconnect on free slot should be ignored")
	}

	s.Connect(a)
	s.Connect(b)

	// The replaced device's late disconnect must not free the new
	// occupant's slot.
	if s.Disconnect("aa") {
		t.Error("stale disconnect should be ignored")
	}
	if _, occupied := s.Occupant(); !occupied {
		t.Error("slot freed by stale disconnect")
	}

	if !s.Disconnect("bb") {
		t.Error("current occupant disconnect should succeed")
	}
	if _, occupied := s.Occupant(); occupied {
		t.Error("slot still occupied after disconnect")
	}
}

func TestTransitionString(t *testing.T) {
	t.Parallel()
	if Connected.String() != "connected" || Replaced.String() != "replaced" || Unchanged.String() != "unchanged" {
		t.Error("unexpected transition names")
	}
}
