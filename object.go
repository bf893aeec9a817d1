// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

// ObjectModel is the object-layout collaborator. The collector never
// parses object bodies itself; it asks the model to enumerate an
// object's reference fields.
type ObjectModel interface {
	// Scan calls visit with the value of each reference field of
	// the object at addr. visit returns the healed value; the model
	// must store it back into the field if it differs. A zero field
	// may be skipped or visited; visit maps zero to zero.
	Scan(addr Address, visit func(ref Address) Address)
}

// RootSet is the runtime's root-enumeration collaborator. Root slots
// live outside the heap and are healed in place.
type RootSet interface {
	// StrongRoots returns the strong root slots. Snapshot taken at
	// mark start; the slots are remapped again at relocate start.
	StrongRoots() []*Address

	// WeakRoots returns root slots cleared when their referent is
	// not strongly live. Processed inside the mark end pause.
	WeakRoots() []*Address

	// ConcurrentWeakRoots returns weak root slots that tolerate
	// concurrent processing after the mark end pause.
	ConcurrentWeakRoots() []*Address
}

// Safepointer is the runtime's safepoint mechanism, used but not
// implemented here. Execute runs op while every mutator thread is
// parked; IsAtSafepoint backs the precondition asserts on the
// pause-only heap operations.
type Safepointer interface {
	Execute(name string, op func())
	IsAtSafepoint() bool
}

// MetadataRegistry is the class/code metadata collaborator targeted
// by unloading. Prepare is called at mark end; UnloadDead must drop
// every class and code blob whose anchor object fails isStrongLive.
type MetadataRegistry interface {
	Prepare()
	UnloadDead(isStrongLive func(Address) bool)
}

// ReferenceKind distinguishes the four non-strong reference
// strengths.
type ReferenceKind uint8

const (
	KindSoft ReferenceKind = iota
	KindWeak
	KindFinal
	KindPhantom
)

func (k ReferenceKind) String() string {
	switch k {
	case KindSoft:
		return "Soft"
	case KindWeak:
		return "Weak"
	case KindFinal:
		return "Final"
	case KindPhantom:
		return "Phantom"
	}
	return "Unknown"
}

// A Reference is a discovered non-strong reference object. Referent
// is the reference object's referent slot; processing may clear it
// and healing may rewrite it.
type Reference struct {
	Kind     ReferenceKind
	Referent *Address
}
