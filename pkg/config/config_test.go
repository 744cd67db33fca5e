package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

const sample = `
runner:
  command: ./bin/pickle-runner
  args: [--verbose]
  env:
    B: "2"
    A: "1"
paths:
  - pickles/login.json:12:30
  - /abs/other.json
tags: "@smoke and not @wip"
names: ["^Login"]
order: random:42
parallel: 4
default_timeout: 2s
world_parameters:
  baseURL: http://localhost:8080
formats:
  - summary
  - usage-json:out/usage.json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sample)
	cfg, errs := ValidateFile(path)
	require.Empty(t, errs)

	assert.Equal(t, filepath.Dir(path), cfg.Root)
	assert.Equal(t, "./bin/pickle-runner", cfg.Runner.Command)
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.RunnerEnv())
	assert.Equal(t, map[string]any{"baseURL": "http://localhost:8080"}, cfg.WorldParameters)

	d, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	assert.Equal(t, protocol.RuntimeConfig{MaxParallel: 4}, cfg.RuntimeConfig())

	fc, err := cfg.FeaturesConfig(nil)
	require.NoError(t, err)
	login := filepath.Join(cfg.Root, "pickles", "login.json")
	assert.Equal(t, []string{login, "/abs/other.json"}, fc.AbsolutePaths)
	assert.Equal(t, map[string][]int{login: {12, 30}}, fc.Filters.Lines)
	assert.Equal(t, "@smoke and not @wip", fc.Filters.TagExpression)
	assert.Equal(t, []string{"^Login"}, fc.Filters.Names)
	require.NotNil(t, fc.Order.Seed)
	assert.Equal(t, protocol.Order{Type: "random", Seed: fc.Order.Seed}, fc.Order)
	assert.Equal(t, int64(42), *fc.Order.Seed)

	formats, err := cfg.ParsedFormats()
	require.NoError(t, err)
	assert.Equal(t, []Format{
		{Type: FormatSummary},
		{Type: FormatUsageJSON, Path: filepath.Join(cfg.Root, "out", "usage.json")},
	}, formats)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, errs := ValidateFile(writeConfig(t, "runner:\n  command: x\nparalel: 2\n"))
	require.Len(t, errs, 1)
	assert.Equal(t, "structural", errs[0].Phase)
	assert.Contains(t, errs[0].Message, "paralel")
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestValidate_Semantic(t *testing.T) {
	cfg := &Config{Runner: RunnerConfig{Command: "r"}, Paths: []string{"a.json"}, Order: "shuffled"}
	errs := Validate(cfg)
	require.NotEmpty(t, errs)

	var phases []string
	for _, e := range errs {
		phases = append(phases, e.Phase)
	}
	assert.Contains(t, phases, "semantic")
	assert.Contains(t, phases, "domain")
	assert.Error(t, errs.Err())
}

func TestValidateDomain(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		path string
	}{
		{"missing runner", Config{Paths: []string{"a.json"}}, "runner.command"},
		{"bad tags", Config{Runner: RunnerConfig{Command: "r"}, Paths: []string{"a.json"}, Tags: "@a and ("}, "tags"},
		{"bad name", Config{Runner: RunnerConfig{Command: "r"}, Paths: []string{"a.json"}, Names: []string{"("}}, "names[0]"},
		{"bad timeout", Config{Runner: RunnerConfig{Command: "r"}, Paths: []string{"a.json"}, DefaultTimeout: "soon"}, "default_timeout"},
		{"bad line", Config{Runner: RunnerConfig{Command: "r"}, Paths: []string{"a.json:0"}}, "paths[0]"},
		{"bad format", Config{Runner: RunnerConfig{Command: "r"}, Paths: []string{"a.json"}, Formats: []string{"html"}}, "formats[0]"},
		{"two stdout formats", Config{Runner: RunnerConfig{Command: "r"}, Paths: []string{"a.json"}, Formats: []string{"summary", "usage"}}, "formats[1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateDomain(&tc.cfg)
			require.Len(t, errs, 1, errs.Error())
			assert.Equal(t, tc.path, errs[0].Path)
			assert.Equal(t, "error", errs[0].Severity)
		})
	}
}

func TestValidateDomain_WarningOnly(t *testing.T) {
	errs := ValidateDomain(&Config{Runner: RunnerConfig{Command: "r"}})
	require.Len(t, errs, 1)
	assert.Equal(t, "warning", errs[0].Severity)
	assert.NoError(t, errs.Err())
}

func TestSplitPathLines(t *testing.T) {
	path, lines, err := SplitPathLines("features/a.json:3:7")
	require.NoError(t, err)
	assert.Equal(t, "features/a.json", path)
	assert.Equal(t, []int{3, 7}, lines)

	path, lines, err = SplitPathLines("a.json")
	require.NoError(t, err)
	assert.Equal(t, "a.json", path)
	assert.Empty(t, lines)

	_, _, err = SplitPathLines(":3")
	assert.Error(t, err)
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, protocol.Order{Type: "defined"}, o)

	o, err = ParseOrder("random")
	require.NoError(t, err)
	assert.Nil(t, o.Seed)

	_, err = ParseOrder("defined:1")
	assert.Error(t, err)
	_, err = ParseOrder("random:x")
	assert.Error(t, err)
}

func TestFeaturesConfig_SeedsRandomOrder(t *testing.T) {
	cfg := &Config{Order: "random"}
	fc, err := cfg.FeaturesConfig(func() int64 { return 7 })
	require.NoError(t, err)
	require.NotNil(t, fc.Order.Seed)
	assert.Equal(t, int64(7), *fc.Order.Seed)
}

func TestTimeout_BareMilliseconds(t *testing.T) {
	d, err := (&Config{DefaultTimeout: "250"}).Timeout()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestDiscover(t *testing.T) {
	path := writeConfig(t, sample)
	nested := filepath.Join(filepath.Dir(path), "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "cukerun configuration", doc["title"])
	assert.Contains(t, string(data), "default_timeout")
}
