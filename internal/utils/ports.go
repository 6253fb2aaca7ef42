package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const MaxPort = 65535

var ErrPortSpec = errors.New("enter a port number or range, e.g. 22 or 6000-6020")

// PortRange is an inclusive port interval. The zero value means "no ports".
type PortRange struct {
	Low  int
	High int
}

// SinglePort returns the range (p, p).
func SinglePort(p int) PortRange {
	return PortRange{Low: p, High: p}
}

func (r PortRange) IsZero() bool {
	return r.Low == 0 && r.High == 0
}

func (r PortRange) String() string {
	if r.Low == r.High {
		return strconv.Itoa(r.Low)
	}
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// Validate checks bounds and ordering.
func (r PortRange) Validate() error {
	if r.Low < 0 || r.High < 0 || r.Low > MaxPort || r.High > MaxPort {
		return fmt.Errorf("port numbers must be in 0..%d", MaxPort)
	}
	if r.Low > r.High {
		return fmt.Errorf("range start %d greater than end %d", r.Low, r.High)
	}
	return nil
}

// ParsePortRange parses "22" or "6000-6020". An empty spec yields the zero
// range.
func ParsePortRange(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PortRange{}, nil
	}

	parts := strings.Split(spec, "-")
	if len(parts) > 2 {
		return PortRange{}, ErrPortSpec
	}

	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return PortRange{}, fmt.Errorf("%w: %q is not a number", ErrPortSpec, p)
		}
		ports = append(ports, v)
	}

	r := SinglePort(ports[0])
	if len(ports) == 2 {
		r.High = ports[1]
	}
	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}
