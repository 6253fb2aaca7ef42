package parser

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"portcon-analyzer/internal/mls"
	"portcon-analyzer/internal/model"
	"portcon-analyzer/internal/utils"
)

// PolicyConfParser reads the declarations of a policy.conf file that a
// portcon query needs: users, roles, types, the MLS sensitivities and
// categories, and the portcon statements themselves.
type PolicyConfParser struct {
	scanner *bufio.Scanner
	line    int

	Policy model.Policy

	dominance []string
	rawRanges []rawRange
}

// rawRange is a portcon range held back until the MLS ordering is known.
type rawRange struct {
	stmt int
	line int
	text string
}

func NewPolicyConfParser(reader io.Reader) *PolicyConfParser {
	return &PolicyConfParser{scanner: bufio.NewScanner(reader)}
}

func (p *PolicyConfParser) Parse() error {
	for p.scanner.Scan() {
		p.line++
		line := stripComment(p.scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(strings.TrimSuffix(line, ";"))
		if len(parts) == 0 {
			continue
		}

		var err error
		switch parts[0] {
		case "sensitivity":
			err = p.parseSensitivity(parts)
		case "dominance":
			err = p.parseDominance(line)
		case "category":
			err = p.parseCategory(parts)
		case "type":
			err = p.parseNamed(parts, &p.Policy.Types)
		case "role":
			err = p.parseNamed(parts, &p.Policy.Roles)
		case "user":
			err = p.parseNamed(parts, &p.Policy.Users)
		case "portcon":
			err = p.parsePortcon(parts)
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", p.line, err)
		}
	}
	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("error reading policy file: %w", err)
	}
	return p.resolveRanges()
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func (p *PolicyConfParser) parseSensitivity(parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("sensitivity declaration without a name")
	}
	p.Policy.Sensitivities = append(p.Policy.Sensitivities, parts[1])
	return nil
}

// parseDominance reads "dominance { s0 s1 s2 }", which may continue over
// several lines.
func (p *PolicyConfParser) parseDominance(first string) error {
	body := strings.TrimSpace(strings.TrimPrefix(first, "dominance"))
	for !strings.Contains(body, "}") {
		if !p.scanner.Scan() {
			return io.ErrUnexpectedEOF
		}
		p.line++
		body += " " + stripComment(p.scanner.Text())
	}
	open := strings.Index(body, "{")
	closing := strings.Index(body, "}")
	if open < 0 || closing < open {
		return fmt.Errorf("malformed dominance statement")
	}
	p.dominance = strings.Fields(body[open+1 : closing])
	return nil
}

func (p *PolicyConfParser) parseCategory(parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("category declaration without a name")
	}
	p.Policy.Categories = append(p.Policy.Categories, parts[1])
	return nil
}

// parseNamed records the declared name of "type foo, attr;", "role r types {...};"
// or "user u roles {...} level ... range ...;".
func (p *PolicyConfParser) parseNamed(parts []string, into *[]string) error {
	if len(parts) < 2 {
		return fmt.Errorf("%s declaration without a name", parts[0])
	}
	addUnique(into, strings.TrimSuffix(parts[1], ","))
	return nil
}

// parsePortcon handles "portcon tcp 6000-6020 system_u:object_r:xserver_port_t:s0".
func (p *PolicyConfParser) parsePortcon(parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("portcon statement needs a protocol, ports and context")
	}

	protocol, err := model.ParseProtocol(parts[1])
	if err != nil || protocol == "" {
		return fmt.Errorf("portcon protocol %q is not supported", parts[1])
	}
	ports, err := utils.ParsePortRange(parts[2])
	if err != nil {
		return fmt.Errorf("portcon ports %q: %w", parts[2], err)
	}

	// The MLS range may contain spaces ("s0 - s0:c0.c1023").
	contextText := strings.Join(parts[3:], " ")
	ctx, rangeText, err := splitContext(contextText)
	if err != nil {
		return err
	}

	p.Policy.Statements = append(p.Policy.Statements, model.Statement{
		Protocol: protocol,
		PortLow:  ports.Low,
		PortHigh: ports.High,
		Context:  ctx,
	})
	if rangeText != "" {
		p.rawRanges = append(p.rawRanges, rawRange{stmt: len(p.Policy.Statements) - 1, line: p.line, text: rangeText})
	}
	return nil
}

// splitContext splits "user:role:type[:range]" and returns the range text
// separately.
func splitContext(s string) (model.Context, string, error) {
	fields := strings.SplitN(s, ":", 4)
	if len(fields) < 3 {
		return model.Context{}, "", fmt.Errorf("context %q needs user:role:type", s)
	}
	ctx := model.Context{
		User: strings.TrimSpace(fields[0]),
		Role: strings.TrimSpace(fields[1]),
		Type: strings.TrimSpace(fields[2]),
	}
	if ctx.User == "" || ctx.Role == "" || ctx.Type == "" {
		return model.Context{}, "", fmt.Errorf("context %q has an empty component", s)
	}
	if len(fields) == 4 {
		return ctx, strings.TrimSpace(fields[3]), nil
	}
	return ctx, "", nil
}

// resolveRanges builds the MLS ordering and parses the deferred ranges. A
// policy without sensitivities is non-MLS and its context ranges are
// dropped.
func (p *PolicyConfParser) resolveRanges() error {
	if len(p.Policy.Sensitivities) == 0 {
		p.rawRanges = nil
		return nil
	}

	order := p.dominance
	if len(order) == 0 {
		order = p.Policy.Sensitivities
	}
	for _, s := range order {
		if !slices.Contains(p.Policy.Sensitivities, s) {
			return fmt.Errorf("dominance names undeclared sensitivity %q", s)
		}
	}
	p.Policy.Sensitivities = order
	p.Policy.Ordering = mls.NewOrdering(order, p.Policy.Categories)

	for _, raw := range p.rawRanges {
		r, err := p.Policy.Ordering.ParseRange(raw.text)
		if err != nil {
			return fmt.Errorf("line %d: %w", raw.line, err)
		}
		p.Policy.Statements[raw.stmt].Context.Range = &r
	}
	p.rawRanges = nil
	return nil
}
