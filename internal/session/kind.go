// Package session owns the live-session lifecycle: accepting an ingest,
// running the probe and decision step, supervising the encode workers, and
// tearing the session down into a replay or a clean delete.
package session

import "fmt"

// Kind classifies a live session by its lifecycle behaviour. The four
// variants replace the permanent/saveReplay flag pair so that invalid
// combinations cannot be expressed halfway through a session.
type Kind int

const (
	// KindEphemeral streams once and deletes everything afterwards.
	KindEphemeral Kind = iota
	// KindEphemeralReplay streams once and persists a replay.
	KindEphemeralReplay
	// KindPermanent cycles back to waiting after each ingest.
	KindPermanent
	// KindPermanentReplay cycles and persists a replay per ingest.
	KindPermanentReplay
)

// KindOf maps the stored flag pair onto a Kind.
func KindOf(permanent, saveReplay bool) Kind {
	switch {
	case permanent && saveReplay:
		return KindPermanentReplay
	case permanent:
		return KindPermanent
	case saveReplay:
		return KindEphemeralReplay
	default:
		return KindEphemeral
	}
}

// Permanent reports whether sessions of this kind survive the end of an
// ingest and wait for the next one.
func (k Kind) Permanent() bool {
	return k == KindPermanent || k == KindPermanentReplay
}

// SavesReplay reports whether a replay is persisted when an ingest ends.
func (k Kind) SavesReplay() bool {
	return k == KindEphemeralReplay || k == KindPermanentReplay
}

func (k Kind) String() string {
	switch k {
	case KindEphemeral:
		return "ephemeral"
	case KindEphemeralReplay:
		return "ephemeral-replay"
	case KindPermanent:
		return "permanent"
	case KindPermanentReplay:
		return "permanent-replay"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is a live session's lifecycle phase.
type State string

const (
	StateCreated    State = "created"
	StateIngesting  State = "ingesting"
	StatePublishing State = "publishing"
	StateWaiting    State = "waiting"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)
