package event

import "github.com/dshills/nexus/internal/loop"

// Affinity identifies the loop an object belongs to. Token is the equality
// key used by Decide; the zero value is unresolvable.
type Affinity struct {
	Loop  *loop.Loop
	Token string
}

// AffinityOf returns the affinity of objects living on l.
func AffinityOf(l *loop.Loop) Affinity {
	if l == nil {
		return Affinity{}
	}
	return Affinity{Loop: l, Token: l.Token()}
}

// IsZero reports whether the affinity is unresolvable.
func (a Affinity) IsZero() bool {
	return a.Token == ""
}

// Same reports whether both affinities are resolvable and equal.
func (a Affinity) Same(b Affinity) bool {
	return !a.IsZero() && a.Token == b.Token
}

// AffinitySource is anything that can report an affinity, such as a
// started worker.
type AffinitySource interface {
	Affinity() Affinity
}

// Participant is an event-participant object: it reports its affinity and
// accepts a new one when moved to another loop.
type Participant interface {
	AffinitySource
	AssignAffinity(Affinity)
}
