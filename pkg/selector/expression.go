package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"blobmover/pkg/models"
)

// Kind is the form of a selection expression, decided by its first character
type Kind int

const (
	KindExact Kind = iota
	KindAll        // *[regex]
	KindFromFile   // >path
	KindCount      // #n
)

func (k Kind) String() string {
	switch k {
	case KindAll:
		return "all"
	case KindFromFile:
		return "from-file"
	case KindCount:
		return "count"
	default:
		return "exact"
	}
}

// Expression is a parsed selection expression. Exactly one of its variant
// fields is meaningful, according to Kind.
type Expression struct {
	Kind      Kind
	Raw       string
	Include   *regexp.Regexp // KindAll only, nil when no trailing pattern
	Path      string         // KindFromFile
	Count     int            // KindCount, 0 means all
	ExactName string         // KindExact
}

// Parse turns a selection expression string into an Expression
func Parse(expr string) (Expression, error) {
	if expr == "" {
		return Expression{}, models.ConfigurationError("parse selection",
			fmt.Errorf("%w: empty expression", models.ErrInvalidSelection))
	}

	e := Expression{Raw: expr}
	rest := expr[1:]
	switch expr[0] {
	case '*':
		e.Kind = KindAll
		if rest != "" {
			re, err := regexp.Compile(rest)
			if err != nil {
				return Expression{}, models.ConfigurationError("parse selection",
					fmt.Errorf("%w: inclusion pattern %q: %v", models.ErrInvalidSelection, rest, err))
			}
			e.Include = re
		}
	case '>':
		e.Kind = KindFromFile
		e.Path = strings.TrimSpace(rest)
		if e.Path == "" {
			return Expression{}, models.ConfigurationError("parse selection",
				fmt.Errorf("%w: list file path is empty", models.ErrInvalidSelection))
		}
	case '#':
		e.Kind = KindCount
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n < 0 {
			return Expression{}, models.SelectionError("parse selection",
				fmt.Errorf("%w: count %q is not a non-negative number", models.ErrInvalidSelection, rest))
		}
		e.Count = n
	default:
		e.Kind = KindExact
		e.ExactName = expr
	}
	return e, nil
}

// ParseExclusion compiles an exclusion pattern. An empty pattern excludes nothing and yields nil.
func ParseExclusion(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, models.ConfigurationError("parse exclusion",
			fmt.Errorf("%w: exclusion pattern %q: %v", models.ErrInvalidSelection, pattern, err))
	}
	return re, nil
}
