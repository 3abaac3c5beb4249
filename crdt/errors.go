package crdt

import "errors"

// ErrInvalidArgument reports a bad index or a non-single-character value —
// programming-contract violations surfaced to the offending caller
// without mutating state.
type ErrInvalidArgument string

func (e ErrInvalidArgument) Error() string { return "crdt: invalid argument: " + string(e) }

// ErrInvalidTarget is returned when an operation targets the HEAD sentinel.
var ErrInvalidTarget = errors.New("crdt: cannot target the HEAD sentinel")

// ErrClockStuck is fatal for the engine: the local clock collided with an
// existing element id even after a retry.
var ErrClockStuck = errors.New("crdt: clock stuck, repeated element id collision")

// ErrIntegrity is returned when a serialized state is missing HEAD and
// therefore cannot be loaded as-is.
var ErrIntegrity = errors.New("crdt: serialized state missing HEAD sentinel")
