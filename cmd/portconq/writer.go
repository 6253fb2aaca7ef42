package main

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"portcon-analyzer/internal/model"
	"portcon-analyzer/pkg/wellknown"
)

var resultHeader = []string{"query", "protocol", "ports", "port_low", "port_high", "service", "user", "role", "type", "range"}

// writeResults writes one row per matching statement, grouped by query in
// the order the queries were given.
func writeResults(outPath string, queries []namedQuery, results [][]model.Statement) error {
	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer outFile.Close()

	outWriter := csv.NewWriter(outFile)
	if err := outWriter.Write(resultHeader); err != nil {
		return err
	}

	written := 0
	for i, q := range queries {
		for _, s := range results[i] {
			if err := outWriter.Write(resultRecord(q.name, s)); err != nil {
				return err
			}
			written++
		}
	}
	outWriter.Flush()
	if err := outWriter.Error(); err != nil {
		return err
	}
	slog.Info("Result writer finished", "rows", written)
	return outFile.Close()
}

func resultRecord(query string, s model.Statement) []string {
	rng := ""
	if s.Context.Range != nil {
		rng = s.Context.Range.String()
	}
	return []string{
		query,
		string(s.Protocol),
		s.Ports().String(),
		fmt.Sprintf("%d", s.PortLow),
		fmt.Sprintf("%d", s.PortHigh),
		strings.Join(wellknown.LookupRange(s.Protocol, s.PortLow, s.PortHigh), " "),
		s.Context.User,
		s.Context.Role,
		s.Context.Type,
		rng,
	}
}
