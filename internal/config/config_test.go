package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portcon-analyzer/internal/engine"
)

const sample = `
log_level: DEBUG
workers: 2
queries:
  - name: x11
    protocol: tcp
    ports: 6000-6020
    ports_mode: overlap
  - name: ssh
    ports: 22
    user: ^sys.*
    user_regex: true
  - name: flags
    ports: 1-1024
    ports_subset: true
    ports_superset: true
    range: s0
    range_overlap: true
    range_subset: true
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", f.LogLevel)
	assert.Equal(t, 2, f.Workers)
	require.Len(t, f.Queries, 3)

	in := f.Queries[0].Input()
	assert.Equal(t, "tcp", in.Protocol)
	assert.Equal(t, "6000-6020", in.Ports)
	assert.Equal(t, "overlap", in.PortsMode)

	in = f.Queries[1].Input()
	assert.Equal(t, "22", in.Ports, "integer scalars decode into the ports string")
	assert.True(t, in.UserRegex)
	assert.Equal(t, string(engine.ModeExact), in.PortsMode)

	in = f.Queries[2].Input()
	assert.Equal(t, string(engine.ModeSubset), in.PortsMode)
	assert.Equal(t, string(engine.ModeOverlap), in.RangeMode)
}

func TestModeNameWinsOverFlags(t *testing.T) {
	q := Query{Name: "q", PortsMode: "superset", PortsOverlap: true}
	assert.Equal(t, "superset", q.Input().PortsMode)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "queries:\n  - name: a\n    colour: red\n",
		"no queries":     "workers: 1\n",
		"missing name":   "queries:\n  - ports: 22\n",
		"duplicate name": "queries:\n  - name: a\n  - name: a\n",
		"bad workers":    "workers: -1\nqueries:\n  - name: a\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Queries, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
