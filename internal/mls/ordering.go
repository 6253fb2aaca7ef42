package mls

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"portcon-analyzer/internal/utils"
)

var ErrEmptyLabel = errors.New("empty MLS label")

// Ordering holds the sensitivity dominance order (lowest first) and the
// category declaration order of a policy.
type Ordering struct {
	sensitivities []string
	sensIndex     map[string]int
	categories    []string
	catIndex      map[string]int
}

func NewOrdering(sensitivities, categories []string) *Ordering {
	o := &Ordering{
		sensitivities: append([]string(nil), sensitivities...),
		sensIndex:     make(map[string]int, len(sensitivities)),
		categories:    append([]string(nil), categories...),
		catIndex:      make(map[string]int, len(categories)),
	}
	for i, s := range sensitivities {
		o.sensIndex[s] = i
	}
	for i, c := range categories {
		o.catIndex[c] = i
	}
	return o
}

func (o *Ordering) Sensitivities() []string { return o.sensitivities }
func (o *Ordering) Categories() []string    { return o.categories }

// ParseLevel parses "s0" or "s0:c0.c3,c7".
func (o *Ordering) ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Level{}, ErrEmptyLabel
	}

	sens, catSpec, hasCats := strings.Cut(s, ":")
	sens = strings.TrimSpace(sens)
	if _, ok := o.sensIndex[sens]; !ok {
		return Level{}, &UnknownNameError{Kind: "sensitivity", Name: sens}
	}
	lvl := Level{Sensitivity: sens}
	if !hasCats {
		return lvl, nil
	}

	seen := make(map[int]struct{})
	for _, item := range strings.Split(catSpec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return Level{}, fmt.Errorf("empty category in %q", s)
		}
		first, last, isRun := strings.Cut(item, ".")
		lo, ok := o.catIndex[first]
		if !ok {
			return Level{}, &UnknownNameError{Kind: "category", Name: first}
		}
		hi := lo
		if isRun {
			if hi, ok = o.catIndex[last]; !ok {
				return Level{}, &UnknownNameError{Kind: "category", Name: last}
			}
			if hi < lo {
				return Level{}, fmt.Errorf("category run %q is reversed", item)
			}
		}
		for i := lo; i <= hi; i++ {
			seen[i] = struct{}{}
		}
	}

	idx := make([]int, 0, len(seen))
	for i := range seen {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		lvl.Categories = append(lvl.Categories, o.categories[i])
	}
	return lvl, nil
}

// ParseRange parses "s0", "s0 - s1:c0.c3" or "s0-s1". A single level is both
// low and high.
func (o *Ordering) ParseRange(s string) (Range, error) {
	parts := strings.Split(s, "-")
	if len(parts) > 2 {
		return Range{}, fmt.Errorf("invalid range %q: too many components", s)
	}

	low, err := o.ParseLevel(parts[0])
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	r := Range{Low: low, High: low}
	if len(parts) == 2 {
		if r.High, err = o.ParseLevel(parts[1]); err != nil {
			return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
	}
	if err := o.ValidateRange(r); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Dominates reports whether a dominates b: a's sensitivity is at least b's
// and a's categories are a superset of b's.
func (o *Ordering) Dominates(a, b Level) (bool, error) {
	sa, ok := o.sensIndex[a.Sensitivity]
	if !ok {
		return false, &UnknownNameError{Kind: "sensitivity", Name: a.Sensitivity}
	}
	sb, ok := o.sensIndex[b.Sensitivity]
	if !ok {
		return false, &UnknownNameError{Kind: "sensitivity", Name: b.Sensitivity}
	}
	if sa < sb {
		return false, nil
	}

	have := make(map[string]struct{}, len(a.Categories))
	for _, c := range a.Categories {
		have[c] = struct{}{}
	}
	for _, c := range b.Categories {
		if _, ok := o.catIndex[c]; !ok {
			return false, &UnknownNameError{Kind: "category", Name: c}
		}
		if _, ok := have[c]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// ValidateRange checks that the high level dominates the low level.
func (o *Ordering) ValidateRange(r Range) error {
	ok, err := o.Dominates(r.High, r.Low)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("high level %s does not dominate low level %s", r.High, r.Low)
	}
	return nil
}

// CompareRanges relates range a to range b under dominance. The ranges
// overlap when they share at least one level.
func (o *Ordering) CompareRanges(a, b Range) (utils.Relation, error) {
	for _, l := range []Level{a.Low, a.High, b.Low, b.High} {
		if _, err := o.Dominates(l, l); err != nil {
			return utils.RelDisjoint, err
		}
	}
	// Levels are known to be valid here.
	ord := utils.Order[Level]{
		Le: func(x, y Level) bool {
			ok, _ := o.Dominates(y, x)
			return ok
		},
		Join: o.join,
		Meet: o.meet,
	}
	return utils.Compare(a.Low, a.High, b.Low, b.High, ord), nil
}

// join is the lowest level dominating both x and y: the higher sensitivity
// with the union of the categories.
func (o *Ordering) join(x, y Level) Level {
	l := Level{Sensitivity: x.Sensitivity}
	if o.sensIndex[y.Sensitivity] > o.sensIndex[x.Sensitivity] {
		l.Sensitivity = y.Sensitivity
	}
	l.Categories = o.sortCategories(append(append([]string(nil), x.Categories...), y.Categories...))
	return l
}

// meet is the highest level dominated by both x and y: the lower
// sensitivity with the categories they share.
func (o *Ordering) meet(x, y Level) Level {
	l := Level{Sensitivity: x.Sensitivity}
	if o.sensIndex[y.Sensitivity] < o.sensIndex[x.Sensitivity] {
		l.Sensitivity = y.Sensitivity
	}
	var shared []string
	for _, c := range x.Categories {
		if slices.Contains(y.Categories, c) {
			shared = append(shared, c)
		}
	}
	l.Categories = o.sortCategories(shared)
	return l
}

// sortCategories orders cats by declaration and drops duplicates.
func (o *Ordering) sortCategories(cats []string) []string {
	sort.Slice(cats, func(i, j int) bool { return o.catIndex[cats[i]] < o.catIndex[cats[j]] })
	return slices.Compact(cats)
}
