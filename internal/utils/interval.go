package utils

// Relation describes how interval a relates to interval b.
type Relation int

const (
	RelDisjoint Relation = iota
	RelOverlap
	RelSubset   // a lies within b
	RelSuperset // a contains b
	RelEqual
)

func (r Relation) String() string {
	switch r {
	case RelOverlap:
		return "overlap"
	case RelSubset:
		return "subset"
	case RelSuperset:
		return "superset"
	case RelEqual:
		return "equal"
	default:
		return "disjoint"
	}
}

// Order is a lattice over interval bounds. Le reports whether x <= y, and
// x and y may be incomparable. Join is the least upper bound of x and y,
// Meet the greatest lower bound.
type Order[T any] struct {
	Le   func(x, y T) bool
	Join func(x, y T) T
	Meet func(x, y T) T
}

// Compare relates [aLow, aHigh] to [bLow, bHigh] under ord. The intervals
// overlap when some bound lies in both, i.e. when the join of the lows is
// at most the meet of the highs.
func Compare[T any](aLow, aHigh, bLow, bHigh T, ord Order[T]) Relation {
	le := ord.Le
	eq := func(x, y T) bool { return le(x, y) && le(y, x) }

	if eq(aLow, bLow) && eq(aHigh, bHigh) {
		return RelEqual
	}
	if le(bLow, aLow) && le(aHigh, bHigh) {
		return RelSubset
	}
	if le(aLow, bLow) && le(bHigh, aHigh) {
		return RelSuperset
	}
	if le(ord.Join(aLow, bLow), ord.Meet(aHigh, bHigh)) {
		return RelOverlap
	}
	return RelDisjoint
}

var portOrder = Order[int]{
	Le:   func(x, y int) bool { return x <= y },
	Join: func(x, y int) int { return max(x, y) },
	Meet: func(x, y int) int { return min(x, y) },
}

// ComparePorts relates two port ranges.
func ComparePorts(a, b PortRange) Relation {
	return Compare(a.Low, a.High, b.Low, b.High, portOrder)
}
