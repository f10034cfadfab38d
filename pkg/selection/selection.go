package selection

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/platinummonkey/hangar/pkg/version"
)

// Expr is a parsed selection expression: a union of clauses where each
// clause accepts some set of versions. An expression matches a version when
// any of its clauses does.
type Expr struct {
	clauses []clause
}

type clauseKind int

const (
	kindExact clauseKind = iota
	kindAny
	kindMajorWildcard
	kindMinorWildcard
	kindRange
	kindCompare
)

type compareOp int

const (
	opGT compareOp = iota
	opGTE
	opLT
	opLTE
)

func (o compareOp) String() string {
	return [...]string{">", ">=", "<", "<="}[o]
}

type clause struct {
	kind  clauseKind
	major uint16 // major wildcard and minor wildcard
	minor uint16 // minor wildcard only
	op    compareOp
	lo    version.Version // exact, range low bound, comparator operand
	hi    version.Version // range high bound
}

var wildcardRe = regexp.MustCompile(`^(\d{1,3})\.(?:(\d{1,3})\.)?\*$`)

// Any returns the expression that accepts every version; it renders as "*".
func Any() Expr {
	return Expr{clauses: []clause{{kind: kindAny}}}
}

// Parse parses a selection expression: one or more clauses separated by
// commas. A clause is "*", a wildcard ("2.*", "2.1.*"), an inclusive range
// ("1.0.0-2.0.0"), a comparator (">=1.2.0", ">1.0.0", "<=3.0.0", "<2.0.0")
// or an exact version.
func Parse(s string) (Expr, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return Expr{}, fmt.Errorf("empty selection expression")
	}

	var e Expr
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		c, err := parseClause(part)
		if err != nil {
			return Expr{}, fmt.Errorf("invalid selection %q: %w", s, err)
		}
		e.clauses = append(e.clauses, c)
	}
	return e, nil
}

func parseClause(part string) (clause, error) {
	if part == "" {
		return clause{}, fmt.Errorf("empty clause")
	}

	if part == "*" {
		return clause{kind: kindAny}, nil
	}

	if m := wildcardRe.FindStringSubmatch(part); m != nil {
		major, _ := strconv.Atoi(m[1])
		c := clause{kind: kindMajorWildcard, major: uint16(major)}
		if m[2] != "" {
			minor, _ := strconv.Atoi(m[2])
			c.kind = kindMinorWildcard
			c.minor = uint16(minor)
		}
		return c, nil
	}

	for _, op := range []struct {
		prefix string
		op     compareOp
	}{
		// Two-character operators first so ">=" does not parse as ">".
		{">=", opGTE},
		{"<=", opLTE},
		{">", opGT},
		{"<", opLT},
	} {
		if strings.HasPrefix(part, op.prefix) {
			v, err := version.Parse(strings.TrimPrefix(part, op.prefix))
			if err != nil {
				return clause{}, err
			}
			return clause{kind: kindCompare, op: op.op, lo: v}, nil
		}
	}

	if lo, hi, ok := strings.Cut(part, "-"); ok {
		loV, err := version.Parse(lo)
		if err != nil {
			return clause{}, err
		}
		hiV, err := version.Parse(hi)
		if err != nil {
			return clause{}, err
		}
		if hiV.Before(loV) {
			return clause{}, fmt.Errorf("range bounds out of order: %s-%s", lo, hi)
		}
		return clause{kind: kindRange, lo: loV, hi: hiV}, nil
	}

	v, err := version.Parse(part)
	if err != nil {
		return clause{}, err
	}
	return clause{kind: kindExact, lo: v}, nil
}

// Matches reports whether v is accepted by the expression.
func (e Expr) Matches(v version.Version) bool {
	for _, c := range e.clauses {
		if c.matches(v) {
			return true
		}
	}
	return false
}

func (c clause) matches(v version.Version) bool {
	switch c.kind {
	case kindAny:
		return true
	case kindMajorWildcard:
		return v.Major == c.major
	case kindMinorWildcard:
		return v.Major == c.major && v.Minor == c.minor
	case kindRange:
		return c.lo.Compare(v) <= 0 && v.Compare(c.hi) <= 0
	case kindCompare:
		cmp := v.Compare(c.lo)
		switch c.op {
		case opGT:
			return cmp > 0
		case opGTE:
			return cmp >= 0
		case opLT:
			return cmp < 0
		case opLTE:
			return cmp <= 0
		}
	case kindExact:
		return v.Equal(c.lo)
	}
	return false
}

// String renders the canonical form; Parse(e.String()) reproduces e.
func (e Expr) String() string {
	parts := make([]string, len(e.clauses))
	for i, c := range e.clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

func (c clause) String() string {
	switch c.kind {
	case kindAny:
		return "*"
	case kindMajorWildcard:
		return fmt.Sprintf("%d.*", c.major)
	case kindMinorWildcard:
		return fmt.Sprintf("%d.%d.*", c.major, c.minor)
	case kindRange:
		return fmt.Sprintf("%s-%s", c.lo, c.hi)
	case kindCompare:
		return c.op.String() + c.lo.String()
	}
	return c.lo.String()
}

// IsZero reports whether the expression is the uninitialized empty value.
func (e Expr) IsZero() bool {
	return len(e.clauses) == 0
}

// MarshalText implements encoding.TextMarshaler.
func (e Expr) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Expr) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
