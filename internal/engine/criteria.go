package engine

import (
	"fmt"
	"regexp"
	"strings"

	"portcon-analyzer/internal/model"
	"portcon-analyzer/internal/utils"
)

// Mode selects how a port or MLS range criterion relates to a statement.
type Mode string

const (
	ModeExact    Mode = "exact"
	ModeOverlap  Mode = "overlap"
	ModeSubset   Mode = "subset"   // statement lies within the criterion
	ModeSuperset Mode = "superset" // statement contains the criterion
)

// ParseMode accepts a mode name; empty means exact.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeExact, nil
	case ModeExact, ModeOverlap, ModeSubset, ModeSuperset:
		return m, nil
	default:
		return "", fmt.Errorf("unknown match mode %q (want exact, overlap, subset or superset)", s)
	}
}

// ModeFromFlags resolves checkbox-style flags into a single mode. When more
// than one flag is set, overlap wins over subset, and subset over superset.
// No flags means exact.
func ModeFromFlags(overlap, subset, superset bool) Mode {
	switch {
	case overlap:
		return ModeOverlap
	case subset:
		return ModeSubset
	case superset:
		return ModeSuperset
	default:
		return ModeExact
	}
}

// Criteria is one portcon query. Zero-valued fields do not filter.
type Criteria struct {
	Protocol model.Protocol

	Ports       utils.PortRange // (0,0) disables port matching
	PortsMode   Mode
	PortsProper bool

	User      string
	UserRegex bool
	Role      string
	RoleRegex bool
	Type      string
	TypeRegex bool

	Range       string // MLS range text, parsed against the policy ordering
	RangeMode   Mode
	RangeProper bool
}

// Input is the raw text form of Criteria, as typed by a user or read from a
// query file.
type Input struct {
	Protocol    string
	Ports       string
	PortsMode   string
	PortsProper bool
	User        string
	UserRegex   bool
	Role        string
	RoleRegex   bool
	Type        string
	TypeRegex   bool
	Range       string
	RangeMode   string
	RangeProper bool
}

// ParseInput converts raw text into Criteria. Every malformed field is
// reported independently; fields that parse are still filled in.
func ParseInput(in Input, rc RangeComparer) (Criteria, FieldErrors) {
	errs := make(FieldErrors)
	c := Criteria{
		PortsProper: in.PortsProper,
		User:        strings.TrimSpace(in.User),
		UserRegex:   in.UserRegex,
		Role:        strings.TrimSpace(in.Role),
		RoleRegex:   in.RoleRegex,
		Type:        strings.TrimSpace(in.Type),
		TypeRegex:   in.TypeRegex,
		Range:       strings.TrimSpace(in.Range),
		RangeProper: in.RangeProper,
	}

	var err error
	if c.Protocol, err = model.ParseProtocol(in.Protocol); err != nil {
		errs.add(FieldProtocol, in.Protocol, err)
	}
	if c.Ports, err = utils.ParsePortRange(in.Ports); err != nil {
		errs.add(FieldPorts, in.Ports, err)
	}
	if c.PortsMode, err = ParseMode(in.PortsMode); err != nil {
		errs.add(FieldPortsMode, in.PortsMode, err)
	}
	if c.RangeMode, err = ParseMode(in.RangeMode); err != nil {
		errs.add(FieldRangeMode, in.RangeMode, err)
	}

	for f, e := range Validate(c, rc) {
		if _, seen := errs[f]; !seen {
			errs[f] = e
		}
	}
	return c, errs
}

// Validate checks every field of c on its own and returns the failures keyed
// by field. rc may be nil for non-MLS policies, in which case the range
// criterion is not checked.
func Validate(c Criteria, rc RangeComparer) FieldErrors {
	errs := make(FieldErrors)

	if _, err := model.ParseProtocol(string(c.Protocol)); err != nil {
		errs.add(FieldProtocol, string(c.Protocol), err)
	}
	if err := c.Ports.Validate(); err != nil {
		errs.add(FieldPorts, c.Ports.String(), err)
	}
	if _, err := ParseMode(string(c.PortsMode)); err != nil {
		errs.add(FieldPortsMode, string(c.PortsMode), err)
	}
	if _, err := ParseMode(string(c.RangeMode)); err != nil {
		errs.add(FieldRangeMode, string(c.RangeMode), err)
	}

	for _, f := range []struct {
		field   Field
		pattern string
		regex   bool
	}{
		{FieldUser, c.User, c.UserRegex},
		{FieldRole, c.Role, c.RoleRegex},
		{FieldType, c.Type, c.TypeRegex},
	} {
		if _, err := compileMatcher(f.pattern, f.regex); err != nil {
			errs.add(f.field, f.pattern, err)
		}
	}

	if c.Range != "" && rc != nil {
		if _, err := rc.ParseRange(c.Range); err != nil {
			errs.add(FieldRange, c.Range, err)
		}
	}
	return errs
}

type stringMatcher struct {
	value string
	re    *regexp.Regexp
}

// compileMatcher anchors regex patterns so they must match the whole value.
func compileMatcher(pattern string, regex bool) (stringMatcher, error) {
	if pattern == "" || !regex {
		return stringMatcher{value: pattern}, nil
	}
	// The pattern must parse on its own; "a)|(b" would otherwise close the
	// anchoring group.
	if _, err := regexp.Compile(pattern); err != nil {
		return stringMatcher{}, err
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return stringMatcher{}, err
	}
	return stringMatcher{value: pattern, re: re}, nil
}

func (m stringMatcher) match(s string) bool {
	switch {
	case m.re != nil:
		return m.re.MatchString(s)
	case m.value == "":
		return true
	default:
		return m.value == s
	}
}
