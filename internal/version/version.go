// Package version parses and compares node version numbers.
//
// A component may be a wildcard ("x", "xx", "*"), which compares equal to any
// value in the same position.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/blang/semver/v4"
)

// Wildcard marks a component as unknown.
const Wildcard = -1

var ErrParse = errors.New("version: parse failed")

var wildcardTokens = map[string]struct{}{
	"x": {}, "xx": {}, "X": {}, "XX": {}, "*": {},
}

// Number is an immutable major.minor.patch triple.
type Number struct {
	major int
	minor int
	patch int
}

// New builds a Number. Negative components are treated as wildcards.
func New(major, minor, patch int) Number {
	return Number{major: norm(major), minor: norm(minor), patch: norm(patch)}
}

// Any matches every version.
func Any() Number {
	return Number{major: Wildcard, minor: Wildcard, patch: Wildcard}
}

func norm(v int) int {
	if v < 0 {
		return Wildcard
	}
	return v
}

func (n Number) Major() int { return n.major }
func (n Number) Minor() int { return n.minor }
func (n Number) Patch() int { return n.patch }

// Concrete reports whether no component is a wildcard.
func (n Number) Concrete() bool {
	return n.major != Wildcard && n.minor != Wildcard && n.patch != Wildcard
}

func (n Number) String() string {
	return "v" + component(n.major) + "." + component(n.minor) + "." + component(n.patch)
}

func component(v int) string {
	if v == Wildcard {
		return "x"
	}
	return strconv.Itoa(v)
}

// Parse reads the last three dot separated groups of text. Missing groups
// default to 0. Non-digit characters inside a group are dropped.
func Parse(text string) (Number, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Number{}, fmt.Errorf("%w: empty input", ErrParse)
	}
	if plainTriple(raw) {
		if sv, err := semver.ParseTolerant(raw); err == nil && len(sv.Pre) == 0 && len(sv.Build) == 0 && fitsInt(sv) {
			return Number{major: int(sv.Major), minor: int(sv.Minor), patch: int(sv.Patch)}, nil
		}
	}
	return parseGroups(raw)
}

// MustParse is Parse for package level constants.
func MustParse(text string) Number {
	n, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return n
}

func parseGroups(raw string) (Number, error) {
	groups := strings.Split(raw, ".")
	for len(groups) < 3 {
		groups = append(groups, "0")
	}
	groups = groups[len(groups)-3:]

	var out [3]int
	for i, group := range groups {
		token := strings.TrimFunc(group, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '*'
		})
		if _, ok := wildcardTokens[token]; ok {
			out[i] = Wildcard
			continue
		}
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, group)
		if digits == "" {
			return Number{}, fmt.Errorf("%w: group %q of %q has no digits", ErrParse, group, raw)
		}
		v, err := strconv.Atoi(digits)
		if err != nil {
			return Number{}, fmt.Errorf("%w: group %q of %q: %v", ErrParse, group, raw, err)
		}
		out[i] = v
	}
	return Number{major: out[0], minor: out[1], patch: out[2]}, nil
}

// plainTriple reports whether raw is exactly three groups with no wildcard
// and no prerelease or build suffix, the only shape where semver and the
// group grammar agree.
func plainTriple(raw string) bool {
	if strings.ContainsAny(raw, "-+") || hasWildcard(raw) {
		return false
	}
	return strings.Count(raw, ".") == 2
}

func hasWildcard(raw string) bool {
	for _, group := range strings.Split(raw, ".") {
		if _, ok := wildcardTokens[strings.TrimSpace(group)]; ok {
			return true
		}
	}
	return false
}

func fitsInt(v semver.Version) bool {
	const limit = uint64(^uint(0) >> 1)
	return v.Major <= limit && v.Minor <= limit && v.Patch <= limit
}

// Compare returns -1, 0 or +1. Wildcard components are equal to anything.
func Compare(a, b Number) int {
	pairs := [3][2]int{{a.major, b.major}, {a.minor, b.minor}, {a.patch, b.patch}}
	for _, p := range pairs {
		if p[0] == Wildcard || p[1] == Wildcard {
			continue
		}
		switch {
		case p[0] < p[1]:
			return -1
		case p[0] > p[1]:
			return 1
		}
	}
	return 0
}

func (n Number) Equal(o Number) bool   { return Compare(n, o) == 0 }
func (n Number) Less(o Number) bool    { return Compare(n, o) < 0 }
func (n Number) AtLeast(o Number) bool { return Compare(n, o) >= 0 }
