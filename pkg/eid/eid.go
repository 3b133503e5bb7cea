package eid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Scheme identifies the naming scheme of an endpoint.
type Scheme string

const (
	SchemeIPN  Scheme = "ipn"
	SchemeDTN  Scheme = "dtn"
	SchemeIMC  Scheme = "imc"
	SchemeNull Scheme = "null"
)

var errMalformed = errors.New("eid: malformed endpoint identifier")

// EID is an endpoint identifier. IPN and IMC endpoints decompose to
// (node, service) integers; DTN endpoints carry an authority and path.
// The zero value is the null endpoint ("dtn:none").
type EID struct {
	Scheme    Scheme
	Node      uint64 // ipn, imc
	Service   uint64 // ipn, imc
	Authority string // dtn
	Path      string // dtn
}

// Null is the null endpoint identifier.
var Null = EID{Scheme: SchemeNull}

// NewIPN returns the ipn endpoint for (node, service).
func NewIPN(node, service uint64) EID {
	return EID{Scheme: SchemeIPN, Node: node, Service: service}
}

// NewIMC returns the imc endpoint for (group, service).
func NewIMC(group, service uint64) EID {
	return EID{Scheme: SchemeIMC, Node: group, Service: service}
}

// NewDTN returns the dtn endpoint for authority and path.
func NewDTN(authority, path string) EID {
	return EID{Scheme: SchemeDTN, Authority: authority, Path: path}
}

// Parse parses a textual endpoint identifier.
func Parse(s string) (EID, error) {
	if s == "" || s == "dtn:none" || s == "none" {
		return Null, nil
	}
	switch {
	case strings.HasPrefix(s, "ipn:"):
		node, service, err := parseNumericSSP(s[len("ipn:"):])
		if err != nil {
			return EID{}, err
		}
		return EID{Scheme: SchemeIPN, Node: node, Service: service}, nil

	case strings.HasPrefix(s, "imc:"):
		node, service, err := parseNumericSSP(s[len("imc:"):])
		if err != nil {
			return EID{}, err
		}
		return EID{Scheme: SchemeIMC, Node: node, Service: service}, nil

	case strings.HasPrefix(s, "dtn://"):
		rest := s[len("dtn://"):]
		authority, path, _ := strings.Cut(rest, "/")
		if authority == "" {
			return EID{}, fmt.Errorf("%w: %q", errMalformed, s)
		}
		return EID{Scheme: SchemeDTN, Authority: authority, Path: path}, nil
	}
	return EID{}, fmt.Errorf("%w: %q", errMalformed, s)
}

// MustParse parses s and panics on error. For tests and constants.
func MustParse(s string) EID {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return e
}

func parseNumericSSP(ssp string) (node, service uint64, err error) {
	nodeStr, svcStr, ok := strings.Cut(ssp, ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: ssp %q", errMalformed, ssp)
	}
	node, err = strconv.ParseUint(nodeStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: node %q", errMalformed, nodeStr)
	}
	service, err = strconv.ParseUint(svcStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: service %q", errMalformed, svcStr)
	}
	return node, service, nil
}

// IsNull reports whether e is the null endpoint.
func (e EID) IsNull() bool {
	return e.Scheme == SchemeNull || e.Scheme == ""
}

// IsSingleton reports whether e names a single delivery point.
func (e EID) IsSingleton() bool {
	return e.Scheme == SchemeIPN || e.Scheme == SchemeDTN
}

// String renders e in its textual URI form.
func (e EID) String() string {
	switch e.Scheme {
	case SchemeIPN:
		return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
	case SchemeIMC:
		return fmt.Sprintf("imc:%d.%d", e.Node, e.Service)
	case SchemeDTN:
		if e.Path == "" {
			return "dtn://" + e.Authority
		}
		return "dtn://" + e.Authority + "/" + e.Path
	default:
		return "dtn:none"
	}
}

// Equal reports exact equality.
func (e EID) Equal(other EID) bool {
	if e.IsNull() && other.IsNull() {
		return true
	}
	return e == other
}

// Pattern is an endpoint pattern supporting wildcard tails: "ipn:5.*"
// matches every service at node 5, "dtn://gs1/*" matches every path under
// gs1, and "*" matches every endpoint.
type Pattern struct {
	raw string
}

// ParsePattern parses a textual endpoint pattern.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", errMalformed)
	}
	if s == "*" || s == "*:*" {
		return Pattern{raw: "*"}, nil
	}
	// A pattern without wildcards must be a valid endpoint.
	if !strings.Contains(s, "*") {
		if _, err := Parse(s); err != nil {
			return Pattern{}, err
		}
	}
	return Pattern{raw: s}, nil
}

// MustParsePattern parses s and panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the textual pattern.
func (p Pattern) String() string { return p.raw }

// IsZero reports whether p is the zero pattern.
func (p Pattern) IsZero() bool { return p.raw == "" }

// Matches reports whether e matches the pattern.
func (p Pattern) Matches(e EID) bool {
	switch {
	case p.raw == "*":
		return !e.IsNull()
	case strings.HasSuffix(p.raw, "*"):
		return strings.HasPrefix(e.String(), p.raw[:len(p.raw)-1])
	default:
		return p.raw == e.String()
	}
}

// PrefixLen returns the length of the literal prefix of the pattern. Used
// for longest-match selection among overlapping patterns.
func (p Pattern) PrefixLen() int {
	if p.raw == "*" {
		return 0
	}
	if i := strings.IndexByte(p.raw, '*'); i >= 0 {
		return i
	}
	return len(p.raw)
}
