package common

import (
	"fmt"
	"weak"
)

// HandleKind tells how a Handle refers to its target
type HandleKind uint8

const (
	HandleNone   HandleKind = iota // no target
	HandleStrong                   // keeps the target alive
	HandleWeak                     // does not keep the target alive
)

// Handle refers to a callback target that is either owned elsewhere (weak),
// kept alive by the holder (strong) or absent. Lock resolves the target at
// call time and reports false when there is none (anymore).
type Handle[I any] struct {
	kind   HandleKind
	strong I
	weak   func() (I, bool)
}

// StrongHandle creates a handle that keeps v alive
func StrongHandle[I any](v I) Handle[I] {
	return Handle[I]{kind: HandleStrong, strong: v}
}

// WeakHandle creates a handle to p that does not prevent p from being collected.
// *T must implement I.
func WeakHandle[I any, T any](p *T) Handle[I] {
	if p == nil {
		return Handle[I]{}
	}
	if _, ok := any(p).(I); !ok {
		panic(fmt.Sprintf("WeakHandle: %T does not implement the handle interface", p))
	}
	wp := weak.Make(p)
	return Handle[I]{
		kind: HandleWeak,
		weak: func() (I, bool) {
			if target := wp.Value(); target != nil {
				return any(target).(I), true
			}
			var zero I
			return zero, false
		},
	}
}

// Kind returns how the handle refers to its target
func (h Handle[I]) Kind() HandleKind {
	return h.kind
}

// Lock returns the target if it is (still) available
func (h Handle[I]) Lock() (I, bool) {
	switch h.kind {
	case HandleStrong:
		return h.strong, true
	case HandleWeak:
		return h.weak()
	default:
		var zero I
		return zero, false
	}
}
