package wire

import (
	"strings"
)

// Flags is the agent's control bitmask.
type Flags uint64

const (
	FlagBackpressure Flags = 1 << iota
	FlagStreamCollisions
	FlagStreamBackgroundEvents
	FlagPause
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagBackpressure, "backpressure"},
	{FlagStreamCollisions, "send_colls"},
	{FlagStreamBackgroundEvents, "send_bg_events"},
	{FlagPause, "pause"},
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
			f &^= n.f
		}
	}
	if f != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

// Toggle is a tri-state flag request.
type Toggle int8

const (
	Keep Toggle = iota
	On
	Off
)

// FlagUpdate names the flags to change; Keep leaves a flag as it is.
type FlagUpdate struct {
	Backpressure           Toggle
	StreamCollisions       Toggle
	StreamBackgroundEvents Toggle
	Pause                  Toggle
}

// Masks converts u into the set and clear masks of a set-flags request.
func (u FlagUpdate) Masks() (set, clear Flags) {
	for _, t := range []struct {
		f Flags
		v Toggle
	}{
		{FlagBackpressure, u.Backpressure},
		{FlagStreamCollisions, u.StreamCollisions},
		{FlagStreamBackgroundEvents, u.StreamBackgroundEvents},
		{FlagPause, u.Pause},
	} {
		switch t.v {
		case On:
			set |= t.f
		case Off:
			clear |= t.f
		}
	}
	return set, clear
}

// applyFlags clears then sets, the order the agent applies a request in.
func applyFlags(cur, clear, set Flags) Flags {
	return cur&^clear | set
}
