package engine

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"portcon-analyzer/internal/mls"
	"portcon-analyzer/internal/model"
	"portcon-analyzer/internal/utils"
)

func sampleStatements() []model.Statement {
	return []model.Statement{
		{Protocol: model.TCP, PortLow: 22, PortHigh: 22, Context: model.Context{User: "system_u", Role: "object_r", Type: "ssh_port_t"}},
		{Protocol: model.TCP, PortLow: 6000, PortHigh: 6010, Context: model.Context{User: "system_u", Role: "object_r", Type: "xserver_port_t"}},
		{Protocol: model.UDP, PortLow: 53, PortHigh: 53, Context: model.Context{User: "user_u", Role: "object_r", Type: "dns_port_t"}},
		{Protocol: model.TCP, PortLow: 100, PortHigh: 200, Context: model.Context{User: "staff_u", Role: "object_r", Type: "reserved_port_t"}},
		{Protocol: model.TCP, PortLow: 80, PortHigh: 80, Context: model.Context{User: "system_u", Role: "object_r", Type: "http_port_t"}},
	}
}

func mustEvaluator(t *testing.T, c Criteria, opts ...Option) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(c, opts...)
	if err != nil {
		t.Fatalf("NewEvaluator(%+v) failed: %v", c, err)
	}
	return e
}

func evaluate(t *testing.T, e *Evaluator, stmts []model.Statement) []model.Statement {
	t.Helper()
	out, err := e.Evaluate(context.Background(), stmts)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return out
}

func types(stmts []model.Statement) []string {
	var out []string
	for _, s := range stmts {
		out = append(out, s.Context.Type)
	}
	return out
}

func TestEvaluateEmptyCriteriaMatchesEverything(t *testing.T) {
	stmts := sampleStatements()
	e := mustEvaluator(t, Criteria{})
	for _, s := range stmts {
		got := evaluate(t, e, []model.Statement{s})
		if len(got) != 1 || !reflect.DeepEqual(got[0], s) {
			t.Fatalf("expected vacuous match for %s, got %v", s, got)
		}
	}
}

func TestEvaluatePortModes(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		want     []string
	}{
		{
			name:     "exact single port",
			criteria: Criteria{Ports: utils.SinglePort(80), PortsMode: ModeExact},
			want:     []string{"http_port_t"},
		},
		{
			name:     "exact does not match containing range",
			criteria: Criteria{Ports: utils.PortRange{Low: 150, High: 160}},
			want:     nil,
		},
		{
			name:     "overlap matches containing range",
			criteria: Criteria{Ports: utils.PortRange{Low: 150, High: 160}, PortsMode: ModeOverlap},
			want:     []string{"reserved_port_t"},
		},
		{
			name:     "subset means statement within criteria",
			criteria: Criteria{Ports: utils.PortRange{Low: 1, High: 100}, PortsMode: ModeSubset},
			want:     []string{"ssh_port_t", "dns_port_t", "http_port_t"},
		},
		{
			name:     "superset means statement contains criteria",
			criteria: Criteria{Ports: utils.PortRange{Low: 6002, High: 6004}, PortsMode: ModeSuperset},
			want:     []string{"xserver_port_t"},
		},
		{
			name:     "proper subset excludes equal",
			criteria: Criteria{Ports: utils.SinglePort(22), PortsMode: ModeSubset, PortsProper: true},
			want:     nil,
		},
		{
			name:     "improper superset includes equal",
			criteria: Criteria{Ports: utils.SinglePort(22), PortsMode: ModeSuperset},
			want:     []string{"ssh_port_t"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := types(evaluate(t, mustEvaluator(t, tt.criteria), sampleStatements()))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateSubsetSupersetInverse(t *testing.T) {
	a := model.Statement{Protocol: model.TCP, PortLow: 6000, PortHigh: 6010}
	b := model.Statement{Protocol: model.TCP, PortLow: 5000, PortHigh: 7000}

	subset := mustEvaluator(t, Criteria{Ports: b.Ports(), PortsMode: ModeSubset})
	superset := mustEvaluator(t, Criteria{Ports: a.Ports(), PortsMode: ModeSuperset})

	if len(evaluate(t, subset, []model.Statement{a})) != 1 {
		t.Fatalf("expected %v to be a subset of %v", a.Ports(), b.Ports())
	}
	if len(evaluate(t, superset, []model.Statement{b})) != 1 {
		t.Fatalf("expected %v to be a superset of %v", b.Ports(), a.Ports())
	}
}

func TestEvaluateStringFields(t *testing.T) {
	stmts := sampleStatements()

	e := mustEvaluator(t, Criteria{User: "^sys.*", UserRegex: true})
	for _, s := range evaluate(t, e, stmts) {
		if s.Context.User != "system_u" {
			t.Fatalf("regex ^sys.* matched unexpected user %s", s.Context.User)
		}
	}
	if n, _ := e.Count(context.Background(), stmts); n != 3 {
		t.Fatalf("expected 3 system_u statements, got %d", n)
	}

	e = mustEvaluator(t, Criteria{User: "System_u"})
	if got := evaluate(t, e, stmts); len(got) != 0 {
		t.Fatalf("exact match must be case-sensitive, got %v", got)
	}

	// Regex patterns must match the whole value.
	e = mustEvaluator(t, Criteria{Type: "port", TypeRegex: true})
	if got := evaluate(t, e, stmts); len(got) != 0 {
		t.Fatalf("expected partial regex to match nothing, got %v", types(got))
	}

	e = mustEvaluator(t, Criteria{Role: "object_r", Type: "(ssh|dns)_port_t", TypeRegex: true})
	if got := types(evaluate(t, e, stmts)); !reflect.DeepEqual(got, []string{"ssh_port_t", "dns_port_t"}) {
		t.Fatalf("unexpected types %v", got)
	}

	// A regex flag without a pattern does not filter.
	e = mustEvaluator(t, Criteria{UserRegex: true})
	if got := evaluate(t, e, stmts); len(got) != len(stmts) {
		t.Fatalf("expected all statements, got %d", len(got))
	}
}

func TestEvaluateSampleEndToEnd(t *testing.T) {
	stmts := sampleStatements()[:3]
	e := mustEvaluator(t, Criteria{
		Protocol:  model.TCP,
		Ports:     utils.PortRange{Low: 6000, High: 6020},
		PortsMode: ModeOverlap,
	})

	got := evaluate(t, e, stmts)
	if len(got) != 1 || !reflect.DeepEqual(got[0], stmts[1]) {
		t.Fatalf("expected only the 6000-6010 statement, got %v", got)
	}
}

func TestEvaluateIsIdempotentAndStable(t *testing.T) {
	stmts := sampleStatements()
	e := mustEvaluator(t, Criteria{Protocol: model.TCP})

	first := evaluate(t, e, stmts)
	second := evaluate(t, e, stmts)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ between runs: %v vs %v", first, second)
	}

	want := []string{"ssh_port_t", "xserver_port_t", "reserved_port_t", "http_port_t"}
	if got := types(first); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected input order %v, got %v", want, got)
	}
}

func TestNewEvaluatorReportsFieldErrors(t *testing.T) {
	_, err := NewEvaluator(Criteria{
		User:      "([",
		UserRegex: true,
		Type:      "*bad",
		TypeRegex: true,
		Role:      "object_r",
		Ports:     utils.PortRange{Low: 90, High: 80},
	})
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldErrors, got %v", err)
	}
	if got := fe.Fields(); !reflect.DeepEqual(got, []Field{FieldPorts, FieldType, FieldUser}) {
		t.Fatalf("unexpected fields in error: %v", got)
	}
	if !strings.Contains(err.Error(), "user") {
		t.Fatalf("expected message to name the user field, got %q", err.Error())
	}
}

func TestUnbalancedRegexIsFieldError(t *testing.T) {
	for _, pattern := range []string{"a)(", "x)|(?:y", "sys)|(?:_u"} {
		errs := Validate(Criteria{User: pattern, UserRegex: true}, nil)
		if errs[FieldUser] == nil {
			t.Errorf("expected user field error for %q, got %v", pattern, errs)
		}
		if _, err := NewEvaluator(Criteria{User: pattern, UserRegex: true}); err == nil {
			t.Errorf("expected NewEvaluator to reject %q", pattern)
		}
	}

	// An alternation stays anchored as a whole.
	e := mustEvaluator(t, Criteria{User: "sys.*|staff_u", UserRegex: true})
	for _, s := range evaluate(t, e, sampleStatements()) {
		if s.Context.User == "user_u" {
			t.Fatalf("alternation matched %s", s.Context.User)
		}
	}
}

func TestParseInputInvalidPortsOnlyAffectsPorts(t *testing.T) {
	c, errs := ParseInput(Input{Ports: "22-80-100", User: "system_u", Protocol: "TCP"}, nil)
	if len(errs) != 1 || errs[FieldPorts] == nil {
		t.Fatalf("expected a single ports error, got %v", errs)
	}
	if !errors.Is(errs[FieldPorts], utils.ErrPortSpec) {
		t.Fatalf("expected ErrPortSpec, got %v", errs[FieldPorts])
	}
	if c.User != "system_u" || c.Protocol != model.TCP {
		t.Fatalf("other fields should still parse, got %+v", c)
	}

	// The remaining fields are still evaluable on their own.
	c.Ports = utils.PortRange{}
	e := mustEvaluator(t, c)
	if n, _ := e.Count(context.Background(), sampleStatements()); n != 3 {
		t.Fatalf("expected 3 matches, got %d", n)
	}
}

func TestParseInput(t *testing.T) {
	c, errs := ParseInput(Input{Ports: "6000-6020", PortsMode: "Overlap", Protocol: "udp"}, nil)
	if errs.Err() != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if c.Ports != (utils.PortRange{Low: 6000, High: 6020}) || c.PortsMode != ModeOverlap || c.Protocol != model.UDP {
		t.Fatalf("unexpected criteria %+v", c)
	}

	c, errs = ParseInput(Input{}, nil)
	if errs.Err() != nil || !c.Ports.IsZero() || c.PortsMode != ModeExact {
		t.Fatalf("empty input should give empty criteria, got %+v (%v)", c, errs)
	}

	_, errs = ParseInput(Input{Protocol: "icmp", PortsMode: "near", RangeMode: "far"}, nil)
	for _, f := range []Field{FieldProtocol, FieldPortsMode, FieldRangeMode} {
		if errs[f] == nil {
			t.Fatalf("expected error on %s, got %v", f, errs)
		}
	}
}

func TestModeFromFlagsPrecedence(t *testing.T) {
	tests := []struct {
		overlap, subset, superset bool
		want                      Mode
	}{
		{false, false, false, ModeExact},
		{true, false, false, ModeOverlap},
		{false, true, false, ModeSubset},
		{false, false, true, ModeSuperset},
		{true, true, true, ModeOverlap},
		{false, true, true, ModeSubset},
		{true, false, true, ModeOverlap},
	}
	for _, tt := range tests {
		if got := ModeFromFlags(tt.overlap, tt.subset, tt.superset); got != tt.want {
			t.Errorf("ModeFromFlags(%v, %v, %v) = %s, want %s", tt.overlap, tt.subset, tt.superset, got, tt.want)
		}
	}
}

func mlsFixture(t *testing.T) (*mls.Ordering, []model.Statement) {
	t.Helper()
	o := mls.NewOrdering([]string{"s0", "s1", "s2"}, []string{"c0", "c1", "c2", "c3"})
	mk := func(typ, rng string) model.Statement {
		r, err := o.ParseRange(rng)
		if err != nil {
			t.Fatalf("ParseRange(%q): %v", rng, err)
		}
		return model.Statement{
			Protocol: model.TCP, PortLow: 1, PortHigh: 1,
			Context: model.Context{User: "system_u", Role: "object_r", Type: typ, Range: &r},
		}
	}
	return o, []model.Statement{
		mk("low_t", "s0"),
		mk("mid_t", "s0 - s1"),
		mk("high_t", "s1 - s2:c0.c3"),
	}
}

func TestEvaluateRangeModes(t *testing.T) {
	o, stmts := mlsFixture(t)

	tests := []struct {
		mode   Mode
		rng    string
		proper bool
		want   []string
	}{
		{ModeExact, "s0 - s1", false, []string{"mid_t"}},
		{ModeOverlap, "s1", false, []string{"mid_t", "high_t"}},
		{ModeSubset, "s0 - s1", false, []string{"low_t", "mid_t"}},
		{ModeSubset, "s0 - s1", true, []string{"low_t"}},
		{ModeSuperset, "s1:c1", false, []string{"high_t"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+" "+tt.rng, func(t *testing.T) {
			e := mustEvaluator(t, Criteria{Range: tt.rng, RangeMode: tt.mode, RangeProper: tt.proper}, WithRanges(o))
			if got := types(evaluate(t, e, stmts)); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRangeIgnoredWithoutMLS(t *testing.T) {
	_, stmts := mlsFixture(t)
	var ordering *mls.Ordering // non-MLS policy

	e := mustEvaluator(t, Criteria{Range: "not a range"}, WithRanges(ordering))
	if got := evaluate(t, e, stmts); len(got) != len(stmts) {
		t.Fatalf("expected range criterion to be ignored, got %d results", len(got))
	}
}

func TestInvalidRangeIsFieldError(t *testing.T) {
	o, _ := mlsFixture(t)
	_, err := NewEvaluator(Criteria{Range: "s2 - s0"}, WithRanges(o))
	var fe FieldErrors
	if !errors.As(err, &fe) || fe[FieldRange] == nil {
		t.Fatalf("expected range field error, got %v", err)
	}
}

type failingComparer struct{ *mls.Ordering }

func (failingComparer) CompareRanges(a, b mls.Range) (utils.Relation, error) {
	return utils.RelDisjoint, errors.New("policy capability unavailable")
}

func TestEvaluationErrorAbortsRun(t *testing.T) {
	o, stmts := mlsFixture(t)
	e := mustEvaluator(t, Criteria{Range: "s0"}, WithRanges(failingComparer{o}))

	got, err := e.Evaluate(context.Background(), stmts)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
}

func TestResultsStopsEarlyAndHonoursCancellation(t *testing.T) {
	stmts := sampleStatements()
	e := mustEvaluator(t, Criteria{})

	seen := 0
	for _, err := range e.Results(context.Background(), stmts) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected to stop after 2 results, got %d", seen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := e.Evaluate(ctx, stmts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results after cancellation, got %d", len(got))
	}
}

// countdownContext reports cancellation once Err has been consulted n times.
type countdownContext struct {
	context.Context
	n int
}

func (c *countdownContext) Err() error {
	if c.n == 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestEvaluateKeepsResultsBeforeCancellation(t *testing.T) {
	stmts := sampleStatements()
	e := mustEvaluator(t, Criteria{Protocol: model.TCP})

	// Cancelled before the fourth statement is examined.
	ctx := &countdownContext{Context: context.Background(), n: 3}
	got, err := e.Evaluate(ctx, stmts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if want := []string{"ssh_port_t", "xserver_port_t"}; !reflect.DeepEqual(types(got), want) {
		t.Fatalf("expected matches before cancellation %v, got %v", want, types(got))
	}

	ctx = &countdownContext{Context: context.Background(), n: 3}
	n, err := e.Count(ctx, stmts)
	if !errors.Is(err, context.Canceled) || n != 2 {
		t.Fatalf("expected 2 counted before cancellation, got %d, %v", n, err)
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	if err := Trace(&buf, sampleStatements()[:2]); err != nil {
		t.Fatalf("Trace failed: %v", err)
	}
	want := "portcon tcp 22 system_u:object_r:ssh_port_t\nportcon tcp 6000-6010 system_u:object_r:xserver_port_t\n"
	if buf.String() != want {
		t.Fatalf("unexpected trace:\n%s", buf.String())
	}
}
