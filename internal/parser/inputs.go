package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"portcon-analyzer/internal/model"
	"portcon-analyzer/internal/utils"
)

// ParseStatementsCSV reads a portcon export with the columns protocol,
// ports and context (any order, extra columns ignored). CSV exports carry no
// MLS ordering, so the resulting policy is non-MLS.
func ParseStatementsCSV(r io.Reader) (*model.Policy, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	colMap := make(map[string]int)
	for i, colName := range header {
		colMap[strings.ToLower(strings.TrimSpace(colName))] = i
	}
	var cols [3]int
	for i, name := range []string{"protocol", "ports", "context"} {
		idx, ok := colMap[name]
		if !ok {
			return nil, fmt.Errorf("could not find '%s' column in statements file", name)
		}
		cols[i] = idx
	}

	policy := &model.Policy{}
	droppedRanges := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)

		protocol, err := model.ParseProtocol(record[cols[0]])
		if err != nil || protocol == "" {
			return nil, fmt.Errorf("line %d: protocol %q is not supported", line, record[cols[0]])
		}
		ports, err := utils.ParsePortRange(record[cols[1]])
		if err != nil || ports.IsZero() {
			return nil, fmt.Errorf("line %d: invalid ports %q", line, record[cols[1]])
		}
		ctx, rangeText, err := splitContext(record[cols[2]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rangeText != "" {
			droppedRanges++
		}

		policy.Statements = append(policy.Statements, model.Statement{
			Protocol: protocol,
			PortLow:  ports.Low,
			PortHigh: ports.High,
			Context:  ctx,
		})
		addUnique(&policy.Users, ctx.User)
		addUnique(&policy.Roles, ctx.Role)
		addUnique(&policy.Types, ctx.Type)
	}

	if droppedRanges > 0 {
		slog.Warn("Ignoring MLS ranges in CSV statements", "count", droppedRanges)
	}
	return policy, nil
}

func addUnique(into *[]string, name string) {
	if !slices.Contains(*into, name) {
		*into = append(*into, name)
	}
}
