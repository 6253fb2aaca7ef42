package utils

import (
	"errors"
	"testing"
)

func TestParsePortRangeValid(t *testing.T) {
	cases := map[string]PortRange{
		"":          {},
		"22":        {Low: 22, High: 22},
		" 80 ":      {Low: 80, High: 80},
		"6000-6020": {Low: 6000, High: 6020},
		"0-65535":   {Low: 0, High: 65535},
	}
	for spec, want := range cases {
		t.Run(spec, func(t *testing.T) {
			got, err := ParsePortRange(spec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != want {
				t.Fatalf("got %+v want %+v", got, want)
			}
		})
	}
}

func TestParsePortRangeInvalid(t *testing.T) {
	cases := []string{
		"22-80-100",
		"abc",
		"22-",
		"-22",
		"80-22",
		"70000",
	}
	for _, spec := range cases {
		t.Run(spec, func(t *testing.T) {
			if _, err := ParsePortRange(spec); err == nil {
				t.Fatalf("expected error for spec %q", spec)
			}
		})
	}
}

func TestParsePortRangeTooManyComponentsIsPortSpecError(t *testing.T) {
	_, err := ParsePortRange("22-80-100")
	if !errors.Is(err, ErrPortSpec) {
		t.Fatalf("expected ErrPortSpec, got %v", err)
	}
}

func TestPortRangeString(t *testing.T) {
	if s := SinglePort(22).String(); s != "22" {
		t.Fatalf("expected 22, got %s", s)
	}
	if s := (PortRange{Low: 6000, High: 6020}).String(); s != "6000-6020" {
		t.Fatalf("expected 6000-6020, got %s", s)
	}
	if !(PortRange{}).IsZero() {
		t.Fatalf("expected zero range to report IsZero")
	}
}
