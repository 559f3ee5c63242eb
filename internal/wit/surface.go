package wit

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
	"golang.org/x/text/cases"
)

var caser = cases.Fold() // Unicode case-folding, language-neutral

// QualifiedID is a fully qualified interface identifier of the form
// "namespace:package/interface@version" plus the function or type name
// within it (§3).
type QualifiedID struct {
	Namespace string
	Package   string
	Interface string
	Version   *version.Version
	Member    string // function or type name within the interface
}

// ParseQualifiedID parses "namespace:package/interface@version#member" (the
// "#member" suffix is wasmloom's own convention for naming the function or
// type within the interface; the component descriptor stores one QualifiedID
// per export/import).
func ParseQualifiedID(raw string) (QualifiedID, error) {
	id := QualifiedID{}

	rest := raw
	if hash := strings.IndexByte(rest, '#'); hash >= 0 {
		id.Member = rest[hash+1:]
		rest = rest[:hash]
	}

	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return id, fmt.Errorf("wit: malformed identifier %q: missing namespace", raw)
	}
	id.Namespace = caser.String(rest[:colon])
	rest = rest[colon+1:]

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return id, fmt.Errorf("wit: malformed identifier %q: missing package/interface separator", raw)
	}
	id.Package = caser.String(rest[:slash])
	rest = rest[slash+1:]

	if at := strings.IndexByte(rest, '@'); at >= 0 {
		id.Interface = caser.String(rest[:at])
		v, err := version.NewVersion(rest[at+1:])
		if err != nil {
			return id, fmt.Errorf("wit: malformed version in %q: %w", raw, err)
		}
		id.Version = v
	} else {
		id.Interface = caser.String(rest)
	}

	if id.Interface == "" {
		return id, fmt.Errorf("wit: malformed identifier %q: empty interface name", raw)
	}

	return id, nil
}

// String reconstructs the canonical textual form.
func (id QualifiedID) String() string {
	s := id.Namespace + ":" + id.Package + "/" + id.Interface
	if id.Version != nil {
		s += "@" + id.Version.String()
	}
	if id.Member != "" {
		s += "#" + id.Member
	}
	return s
}

// Base returns the identifier without its member, i.e. the interface
// identity used for allow-list matching (§4.3 rule 1 matches whole
// interfaces, not individual members).
func (id QualifiedID) Base() string {
	id.Member = ""
	return id.String()
}

// Param is one named, typed function parameter or result.
type Param struct {
	Name string
	Type *Type
}

// Function is a typed signature over the WIT type system.
type Function struct {
	ID      QualifiedID
	Params  []Param
	Results []Param
}

// Equals reports whether two functions have identical, structurally equal
// signatures (ignoring parameter names, matching WIT's structural typing).
func (f Function) Equals(other Function) bool {
	if len(f.Params) != len(other.Params) || len(f.Results) != len(other.Results) {
		return false
	}
	for i := range f.Params {
		if !f.Params[i].Type.Equals(other.Params[i].Type) {
			return false
		}
	}
	for i := range f.Results {
		if !f.Results[i].Type.Equals(other.Results[i].Type) {
			return false
		}
	}
	return true
}

// Surface is a component's typed import/export surface (§3).
type Surface struct {
	Exports map[string]Function // keyed by QualifiedID.String()
	Imports map[string]Function
}

func newSurface() *Surface {
	return &Surface{Exports: map[string]Function{}, Imports: map[string]Function{}}
}

// Lookup finds an export or import port by its fully qualified id.
func (s *Surface) LookupExport(id string) (Function, bool) {
	f, ok := s.Exports[id]
	return f, ok
}

func (s *Surface) LookupImport(id string) (Function, bool) {
	f, ok := s.Imports[id]
	return f, ok
}

// ImportInterfaces returns the set of distinct interface identities (base
// form, no member) this surface imports from — what the Security Scanner
// checks against the host-interface allow-list (§4.3 rule 1).
func (s *Surface) ImportInterfaces() []string {
	seen := map[string]struct{}{}
	var out []string
	for raw := range s.Imports {
		id, err := ParseQualifiedID(raw)
		if err != nil {
			continue
		}
		base := id.Base()
		if _, ok := seen[base]; !ok {
			seen[base] = struct{}{}
			out = append(out, base)
		}
	}
	return out
}
