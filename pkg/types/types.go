// Package types defines the core type system for FieldVM.
//
// This package contains type definitions for:
//   - TypeSpec: value shapes (scalar, vector, matrix, aggregate) and storage size
//   - Float3, Float4, Matrix44: fixed-size value structs
//   - Constant: a typed literal attached to a node input or graph output
//   - Error types: structured errors with stable codes
//
// TypeSpecs are immutable and defined once; the built-in specs (TFloat,
// TInt, TFloat3, TFloat4, TMatrix44, TString) are package-level singletons
// and must be compared by pointer identity.
package types

import "fmt"

// Kind discriminates the shape of a TypeSpec.
type Kind uint8

const (
	KindFloat Kind = iota
	KindInt
	KindFloat3
	KindFloat4
	KindMatrix44
	KindString
	KindAggregate
)

// TypeSpec describes the shape and storage size of a value.
//
// A TypeSpec occupies a fixed number of stack slots; one slot is one 32-bit
// word of the evaluator's scratch buffer. Aggregates sum their fields'
// slot counts. TypeSpecs are immutable after construction.
type TypeSpec struct {
	name   string
	kind   Kind
	slots  int
	fields []AggregateField
}

// AggregateField is one named member of an aggregate TypeSpec.
type AggregateField struct {
	Name string
	Type *TypeSpec
}

// Built-in type specs. Compare by pointer identity.
var (
	TFloat    = &TypeSpec{name: "float", kind: KindFloat, slots: 1}
	TInt      = &TypeSpec{name: "int", kind: KindInt, slots: 1}
	TFloat3   = &TypeSpec{name: "float3", kind: KindFloat3, slots: 3}
	TFloat4   = &TypeSpec{name: "float4", kind: KindFloat4, slots: 4}
	TMatrix44 = &TypeSpec{name: "matrix44", kind: KindMatrix44, slots: 16}
	// TString stores an index into the expression's string table.
	TString = &TypeSpec{name: "string", kind: KindString, slots: 1}
)

// Aggregate builds an aggregate TypeSpec from named fields.
// The slot count is the sum of the fields' slot counts.
func Aggregate(name string, fields ...AggregateField) *TypeSpec {
	slots := 0
	for _, f := range fields {
		slots += f.Type.SlotCount()
	}
	cp := make([]AggregateField, len(fields))
	copy(cp, fields)
	return &TypeSpec{name: name, kind: KindAggregate, slots: slots, fields: cp}
}

// Name returns the type's display name.
func (t *TypeSpec) Name() string { return t.name }

// Kind returns the type's shape discriminator.
func (t *TypeSpec) Kind() Kind { return t.kind }

// SlotCount returns the number of 32-bit stack slots the type occupies.
func (t *TypeSpec) SlotCount() int { return t.slots }

// Fields returns the aggregate's members, or nil for non-aggregate types.
func (t *TypeSpec) Fields() []AggregateField { return t.fields }

// HasDualValue reports whether values of this type carry derivatives in
// the dual-value backend. Integer and string values degenerate to a bare
// value; everything float-based propagates two partials.
func (t *TypeSpec) HasDualValue() bool {
	switch t.kind {
	case KindInt, KindString:
		return false
	case KindAggregate:
		for _, f := range t.fields {
			if f.Type.HasDualValue() {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// IsAggregate reports whether the type is an aggregate of fields.
func (t *TypeSpec) IsAggregate() bool { return t.kind == KindAggregate }

func (t *TypeSpec) String() string {
	return fmt.Sprintf("%s(%d)", t.name, t.slots)
}
