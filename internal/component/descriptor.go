// Package component holds the shared data model of §3: the immutable
// Component Descriptor produced by C1/C2/C3, and the Graph Node/Edge types
// a user pipeline is built from before C4 turns them into an Execution
// Plan.
//
// The Descriptor/Components shape mirrors the teacher's internal/component
// package (Unit/Stack/Components/Kind/Sort/Filter) — wasmloom has exactly
// one kind of component-level value instead of the teacher's Unit/Stack
// split, so the sort-and-filter machinery collapses onto Descriptor and
// Fingerprint directly rather than needing a Kind discriminant.
package component

import (
	"sort"

	"github.com/gruntwork-io/wasmloom/internal/wit"
)

// Fingerprint is the cryptographic content hash identifying a component's
// bytes (§3, GLOSSARY). It is a hex-encoded SHA-256 digest: a cryptographic
// hash is required (not merely a fast one) because the fingerprint is the
// sole identity two otherwise-unrelated paths are unified under, and the
// registry must not be spoofable by an adversarial near-collision. No
// library in the retrieval pack offers a cryptographic hash — crypto/sha256
// is the correct, justified standard-library choice (see DESIGN.md).
type Fingerprint string

// Verdict is the Security Scanner's accept/reject decision for a
// descriptor (§3, §4.3).
type Verdict struct {
	Accepted bool
	// Reasons is the ordered list of broken rules when Accepted is
	// false (§4.3: "the ordered list of broken rules").
	Reasons []string
}

// Descriptor is the immutable value identified by Fingerprint (§3).
type Descriptor struct {
	Fingerprint  Fingerprint
	Paths        []string // many-to-one: paths -> fingerprint
	ByteLength   int64
	ModifiedAt   int64 // unix nanos of the last-observed modification
	Surface      *wit.Surface
	Limits       *wit.ComponentLimits
	Verdict      Verdict
	Metadata     map[string]string
}

// Descriptors is a collection of Descriptor with teacher-style Sort/Filter
// helpers (internal/component.Components in the teacher).
type Descriptors []*Descriptor

// Sort returns a new slice ordered lexicographically by fingerprint (§4.1:
// "list_descriptors() (snapshot, lexicographically ordered by
// fingerprint)").
func (ds Descriptors) Sort() Descriptors {
	sorted := make(Descriptors, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Fingerprint < sorted[j].Fingerprint
	})
	return sorted
}

// Accepted returns only the accepted descriptors, preserving order.
func (ds Descriptors) Accepted() Descriptors {
	out := make(Descriptors, 0, len(ds))
	for _, d := range ds {
		if d.Verdict.Accepted {
			out = append(out, d)
		}
	}
	return out
}

// Fingerprints returns the fingerprints of every descriptor in the slice.
func (ds Descriptors) Fingerprints() []Fingerprint {
	out := make([]Fingerprint, len(ds))
	for i, d := range ds {
		out[i] = d.Fingerprint
	}
	return out
}
