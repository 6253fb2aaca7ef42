package engine

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"portcon-analyzer/internal/mls"
	"portcon-analyzer/internal/model"
	"portcon-analyzer/internal/utils"
)

// RangeComparer is the MLS capability of a loaded policy. *mls.Ordering
// implements it.
type RangeComparer interface {
	ParseRange(s string) (mls.Range, error)
	CompareRanges(a, b mls.Range) (utils.Relation, error)
}

type Option func(*Evaluator)

// WithRanges enables range matching. Without it the policy is treated as
// non-MLS and the range criterion is ignored.
func WithRanges(rc RangeComparer) Option {
	return func(e *Evaluator) {
		if o, ok := rc.(*mls.Ordering); ok && o == nil {
			return
		}
		e.ranges = rc
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// Evaluator filters portcon statements by a fixed set of criteria. It holds
// no per-run state and may be shared between goroutines.
type Evaluator struct {
	Criteria Criteria

	ranges RangeComparer
	logger *slog.Logger

	user      stringMatcher
	role      stringMatcher
	typ       stringMatcher
	rangeCrit *mls.Range
}

// NewEvaluator validates c and prepares it for evaluation. It returns
// FieldErrors when any field is invalid.
func NewEvaluator(c Criteria, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{Criteria: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	if errs := Validate(c, e.ranges); len(errs) > 0 {
		return nil, errs
	}

	// Patterns are known to compile at this point.
	e.user, _ = compileMatcher(c.User, c.UserRegex)
	e.role, _ = compileMatcher(c.Role, c.RoleRegex)
	e.typ, _ = compileMatcher(c.Type, c.TypeRegex)
	e.Criteria.PortsMode, _ = ParseMode(string(c.PortsMode))
	e.Criteria.RangeMode, _ = ParseMode(string(c.RangeMode))

	if c.Range != "" && e.ranges != nil {
		r, err := e.ranges.ParseRange(c.Range)
		if err != nil {
			return nil, FieldErrors{FieldRange: {Field: FieldRange, Value: c.Range, Err: err}}
		}
		e.rangeCrit = &r
	}
	return e, nil
}

// Results yields matching statements in input order. The consumer may stop
// at any point. Cancellation of ctx is checked between statements and
// reported as the final error; collaborator failures are reported as an
// *EvaluationError and end the sequence.
func (e *Evaluator) Results(ctx context.Context, stmts []model.Statement) iter.Seq2[model.Statement, error] {
	return func(yield func(model.Statement, error) bool) {
		e.logger.Debug("Generating portcon results", "statements", len(stmts), "criteria", fmt.Sprintf("%+v", e.Criteria))
		for i := range stmts {
			if err := ctx.Err(); err != nil {
				yield(model.Statement{}, err)
				return
			}
			ok, err := e.matches(&stmts[i])
			if err != nil {
				yield(model.Statement{}, &EvaluationError{Err: fmt.Errorf("statement %q: %w", stmts[i].String(), err)})
				return
			}
			if ok && !yield(stmts[i], nil) {
				return
			}
		}
	}
}

// Evaluate collects Results. On error it returns the matches produced so far
// together with the error.
func (e *Evaluator) Evaluate(ctx context.Context, stmts []model.Statement) ([]model.Statement, error) {
	var out []model.Statement
	for stmt, err := range e.Results(ctx, stmts) {
		if err != nil {
			return out, err
		}
		out = append(out, stmt)
	}
	return out, nil
}

func (e *Evaluator) Count(ctx context.Context, stmts []model.Statement) (int, error) {
	n := 0
	for _, err := range e.Results(ctx, stmts) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Trace writes one rendered statement per line.
func Trace(w io.Writer, stmts []model.Statement) error {
	for _, s := range stmts {
		if _, err := fmt.Fprintln(w, s.String()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) matches(s *model.Statement) (bool, error) {
	c := &e.Criteria
	if c.Protocol != "" && s.Protocol != c.Protocol {
		return false, nil
	}
	if !c.Ports.IsZero() {
		rel := utils.ComparePorts(s.Ports(), c.Ports)
		if !relationMatches(rel, c.PortsMode, c.PortsProper) {
			return false, nil
		}
	}
	if !e.user.match(s.Context.User) || !e.role.match(s.Context.Role) || !e.typ.match(s.Context.Type) {
		return false, nil
	}
	return e.matchRange(s)
}

func (e *Evaluator) matchRange(s *model.Statement) (bool, error) {
	if e.rangeCrit == nil {
		return true, nil
	}
	if s.Context.Range == nil {
		return false, nil
	}
	rel, err := e.ranges.CompareRanges(*s.Context.Range, *e.rangeCrit)
	if err != nil {
		return false, err
	}
	return relationMatches(rel, e.Criteria.RangeMode, e.Criteria.RangeProper), nil
}

// relationMatches decides a mode against the relation of the statement's
// interval to the criterion's. Proper subset/superset exclude equality.
func relationMatches(rel utils.Relation, mode Mode, proper bool) bool {
	switch mode {
	case ModeOverlap:
		return rel != utils.RelDisjoint
	case ModeSubset:
		return rel == utils.RelSubset || (!proper && rel == utils.RelEqual)
	case ModeSuperset:
		return rel == utils.RelSuperset || (!proper && rel == utils.RelEqual)
	default:
		return rel == utils.RelEqual
	}
}
