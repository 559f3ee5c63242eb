// Package wit implements the WIT Interface Surface data model (§3) and the
// analyzer that produces it from component bytes (§4.2, component C2).
//
// Types are represented as github.com/zclconf/go-cty values the way the
// teacher represents HCL's type system: cty.Type already gives structural,
// hashable, comparable types for primitives, lists, tuples and objects
// (used here for records, variants, enums and flags), so two structurally
// identical WIT types from different packages compare equal via
// cty.Type.Equals without any bespoke deep-equality code. Resource handles,
// which have no cty analogue, are represented with a capsule type keyed by
// resource name so they remain comparable and hashable.
package wit

import (
	"fmt"
	"reflect"

	"github.com/zclconf/go-cty/cty"
)

// Kind discriminates how a Type should be interpreted beyond what cty.Type
// alone can express (option-widening and resource identity rules differ
// from plain structural equality).
type Kind int

const (
	KindPrimitive Kind = iota
	KindList
	KindTuple
	KindOption
	KindResult
	KindRecord
	KindVariant
	KindEnum
	KindFlags
	KindResource
)

// Type is a normalized WIT type: the cty representation used for structural
// comparison, plus enough metadata to apply WIT-specific assignability
// rules (option widening, §3) that plain cty equality doesn't capture.
type Type struct {
	Kind    Kind
	CtyType cty.Type
	// Elem is set for List/Option/Result-ok payloads.
	Elem *Type
	// ResultErr is set for Result types.
	ResultErr *Type
	// Name identifies Record/Variant/Enum/Flags/Resource types for
	// diagnostics; it plays no role in structural equality.
	Name string
}

var resourceCapsules = map[string]*cty.Type{}

// resourceType returns a stable capsule cty.Type for a resource handle
// named by its WIT resource type name. Two handles to the same resource
// name compare equal; handles to different resources never do.
func resourceType(name string) cty.Type {
	if t, ok := resourceCapsules[name]; ok {
		return *t
	}
	t := cty.Capsule(name, reflect.TypeOf(resourceGoType{}))
	resourceCapsules[name] = &t
	return t
}

// resourceGoType is a placeholder Go type used only to satisfy cty.Capsule;
// wasmloom never stores Go values of this type, only the cty.Type handle.
type resourceGoType struct{}

// Primitive builds a Type for one of WIT's scalar primitives.
func Primitive(name string) (*Type, error) {
	ct, ok := primitiveCtyTypes[name]
	if !ok {
		return nil, fmt.Errorf("wit: unknown primitive %q", name)
	}
	return &Type{Kind: KindPrimitive, CtyType: ct, Name: name}, nil
}

var primitiveCtyTypes = map[string]cty.Type{
	"bool":    cty.Bool,
	"u8":      cty.Number,
	"u16":     cty.Number,
	"u32":     cty.Number,
	"u64":     cty.Number,
	"s8":      cty.Number,
	"s16":     cty.Number,
	"s32":     cty.Number,
	"s64":     cty.Number,
	"f32":     cty.Number,
	"f64":     cty.Number,
	"char":    cty.String,
	"string":  cty.String,
}

// List builds a WIT list<T>.
func List(elem *Type) *Type {
	return &Type{Kind: KindList, CtyType: cty.List(elem.CtyType), Elem: elem}
}

// Tuple builds a WIT tuple<T1, T2, ...>.
func Tuple(elems []*Type) *Type {
	cts := make([]cty.Type, len(elems))
	for i, e := range elems {
		cts[i] = e.CtyType
	}
	return &Type{Kind: KindTuple, CtyType: cty.Tuple(cts)}
}

// Option builds a WIT option<T>. Options are represented structurally as
// an object with a single "some" attribute of T plus a discriminant so an
// option<T> compares equal to another option<T>. A plain T source may flow
// into an option<T> target (§3 option widening); an option<T> source is
// not assignable to a plain T target — see IsAssignableTo.
func Option(elem *Type) *Type {
	ct := cty.Object(map[string]cty.Type{
		"discriminant": cty.String,
		"some":         elem.CtyType,
	})
	return &Type{Kind: KindOption, CtyType: ct, Elem: elem}
}

// Result builds a WIT result<T, E>. Either payload may be nil to represent
// result<_, E> / result<T, _> / result<_, _>.
func Result(ok, errT *Type) *Type {
	fields := map[string]cty.Type{"discriminant": cty.String}
	if ok != nil {
		fields["ok"] = ok.CtyType
	}
	if errT != nil {
		fields["err"] = errT.CtyType
	}
	return &Type{Kind: KindResult, CtyType: cty.Object(fields), Elem: ok, ResultErr: errT}
}

// Record builds a WIT record with named, typed fields.
func Record(name string, fields map[string]*Type) *Type {
	cts := make(map[string]cty.Type, len(fields))
	for k, v := range fields {
		cts[k] = v.CtyType
	}
	return &Type{Kind: KindRecord, CtyType: cty.Object(cts), Name: name}
}

// Variant builds a WIT variant; each case's payload type may be nil for a
// payload-less case. Every case name, payload-bearing or not, is folded
// into the object signature so two variants with different case sets never
// collapse to the same structural type, even when all cases are
// payload-less (§3: structurally identical types compare equal, which
// implies structurally different ones must not).
func Variant(name string, cases map[string]*Type) *Type {
	fields := map[string]cty.Type{"discriminant": cty.String}
	for k, v := range cases {
		if v != nil {
			fields["case_"+k] = v.CtyType
		} else {
			fields["tag_"+k] = cty.Bool
		}
	}
	return &Type{Kind: KindVariant, CtyType: cty.Object(fields), Name: name}
}

// Enum builds a WIT enum (a variant with no case payloads). Each value name
// becomes its own object field so enums with different value sets are
// structurally distinguishable (see Variant).
func Enum(name string, values []string) *Type {
	fields := map[string]cty.Type{"discriminant": cty.String}
	for _, v := range values {
		fields["tag_"+v] = cty.Bool
	}
	return &Type{Kind: KindEnum, CtyType: cty.Object(fields), Name: name}
}

// Flags builds a WIT flags type: a record of named booleans.
func Flags(name string, names []string) *Type {
	fields := make(map[string]cty.Type, len(names))
	for _, n := range names {
		fields[n] = cty.Bool
	}
	return &Type{Kind: KindFlags, CtyType: cty.Object(fields), Name: name}
}

// Resource builds a WIT resource handle type.
func Resource(name string) *Type {
	return &Type{Kind: KindResource, CtyType: resourceType(name), Name: name}
}

// Equals reports whether two types are structurally identical (§3: "Records
// and variants are structurally compared for equality").
func (t *Type) Equals(other *Type) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.CtyType.Equals(other.CtyType)
}

// IsAssignableTo reports whether a value of type t may flow into a sink of
// type target, per §3's edge well-typedness rule: identical primitives, or
// isomorphic record/variant fields, or option<T>-widening on the target
// side only (a T source may feed an option<T> target; the reverse is not
// well-typed without an explicit unwrap node).
func (t *Type) IsAssignableTo(target *Type) bool {
	if t.Equals(target) {
		return true
	}
	if target.Kind == KindOption && t.Kind != KindOption {
		return t.Equals(target.Elem)
	}
	return false
}

func (t *Type) String() string {
	if t.Name != "" {
		return t.Name
	}
	return t.CtyType.FriendlyName()
}
