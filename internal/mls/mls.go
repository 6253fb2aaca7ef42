// Package mls models SELinux multi-level security labels: levels made of a
// sensitivity and a category set, ranges of two levels, and the
// policy-defined ordering that decides dominance between them.
package mls

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is a sensitivity plus a category set. Categories are kept in the
// policy's declaration order without duplicates.
type Level struct {
	Sensitivity string
	Categories  []string
}

// Range is a (low, high) pair of levels where high dominates low.
type Range struct {
	Low  Level
	High Level
}

func (l Level) String() string {
	if len(l.Categories) == 0 {
		return l.Sensitivity
	}
	return l.Sensitivity + ":" + compactCategories(l.Categories)
}

func (r Range) String() string {
	if r.Low.equal(r.High) {
		return r.Low.String()
	}
	return r.Low.String() + " - " + r.High.String()
}

func (l Level) equal(o Level) bool {
	if l.Sensitivity != o.Sensitivity || len(l.Categories) != len(o.Categories) {
		return false
	}
	for i := range l.Categories {
		if l.Categories[i] != o.Categories[i] {
			return false
		}
	}
	return true
}

// compactCategories folds runs of three or more consecutively numbered
// categories ("c0,c1,c2") into "c0.c2".
func compactCategories(cats []string) string {
	var out []string
	for i := 0; i < len(cats); {
		j := i
		for j+1 < len(cats) && consecutive(cats[j], cats[j+1]) {
			j++
		}
		switch {
		case j-i >= 2:
			out = append(out, cats[i]+"."+cats[j])
		case j-i == 1:
			out = append(out, cats[i], cats[j])
		default:
			out = append(out, cats[i])
		}
		i = j + 1
	}
	return strings.Join(out, ",")
}

func consecutive(a, b string) bool {
	na, okA := categoryNumber(a)
	nb, okB := categoryNumber(b)
	return okA && okB && nb == na+1
}

func categoryNumber(name string) (int, bool) {
	if len(name) < 2 || name[0] != 'c' {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// UnknownNameError reports a sensitivity or category the policy does not
// declare.
type UnknownNameError struct {
	Kind string
	Name string
}

func (e *UnknownNameError) Error() string {
	return fmt.Sprintf("%s %q is not declared in the policy", e.Kind, e.Name)
}
