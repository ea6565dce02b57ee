package event

// Mode selects how a connection is delivered.
type Mode int

const (
	// ModeAuto lets Decide pick between immediate and deferred delivery.
	ModeAuto Mode = iota

	// ModeImmediate calls the handler inline, inside Emit.
	ModeImmediate

	// ModeDeferred schedules the handler on its target loop.
	ModeDeferred
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeImmediate:
		return "immediate"
	case ModeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m >= ModeAuto && m <= ModeDeferred
}

// Convention is the calling convention of a handler.
type Convention int

const (
	// ConvBlocking handlers run to completion on the goroutine that invokes them.
	ConvBlocking Convention = iota

	// ConvSuspending handlers must run as a task inside a loop.
	ConvSuspending
)

// String returns a human-readable convention name.
func (c Convention) String() string {
	if c == ConvSuspending {
		return "suspending"
	}
	return "blocking"
}

// Decide resolves the delivery mode of one connection.
//
// An explicit ModeImmediate or ModeDeferred is returned unchanged.
// Under ModeAuto a suspending handler is always deferred. A blocking
// handler runs inline unless both affinities are resolvable and carry
// different tokens, in which case it is deferred.
//
// Decide has no side effects.
func Decide(requested Mode, conv Convention, target, owner Affinity) Mode {
	if requested == ModeImmediate || requested == ModeDeferred {
		return requested
	}
	if conv == ConvSuspending {
		return ModeDeferred
	}
	if target.IsZero() || owner.IsZero() {
		return ModeImmediate
	}
	if target.Token == owner.Token {
		return ModeImmediate
	}
	return ModeDeferred
}
