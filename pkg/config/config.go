// Package config loads cukerun.yaml, the run configuration: which pickle
// runner to start, which pickles to run and how to report them.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

// FileName is the configuration file looked up by Discover.
const FileName = "cukerun.yaml"

// Config is the content of cukerun.yaml. Command line flags override it.
type Config struct {
	Runner          RunnerConfig   `yaml:"runner,omitempty"           json:"runner,omitempty"`
	Paths           []string       `yaml:"paths,omitempty"            json:"paths,omitempty"`
	Language        string         `yaml:"language,omitempty"         json:"language,omitempty"`
	Tags            string         `yaml:"tags,omitempty"             json:"tags,omitempty"`
	Names           []string       `yaml:"names,omitempty"            json:"names,omitempty"`
	Order           string         `yaml:"order,omitempty"            json:"order,omitempty" jsonschema:"pattern=^(defined|random(:-?[0-9]+)?)$"`
	DryRun          bool           `yaml:"dry_run,omitempty"          json:"dry_run,omitempty"`
	FailFast        bool           `yaml:"fail_fast,omitempty"        json:"fail_fast,omitempty"`
	Strict          bool           `yaml:"strict,omitempty"           json:"strict,omitempty"`
	Parallel        int            `yaml:"parallel,omitempty"         json:"parallel,omitempty" jsonschema:"minimum=0"`
	DefaultTimeout  string         `yaml:"default_timeout,omitempty"  json:"default_timeout,omitempty"`
	WorldParameters map[string]any `yaml:"world_parameters,omitempty" json:"world_parameters,omitempty"`
	Formats         []string       `yaml:"formats,omitempty"          json:"formats,omitempty"`
	NoColor         bool           `yaml:"no_color,omitempty"         json:"no_color,omitempty"`
	MetricsFile     string         `yaml:"metrics_file,omitempty"     json:"metrics_file,omitempty"`
	RunsDir         string         `yaml:"runs_dir,omitempty"         json:"runs_dir,omitempty"`

	// Root is the directory holding the configuration file. Relative paths
	// resolve against it. Set after loading, not from YAML.
	Root string `yaml:"-" json:"-"`
}

// RunnerConfig is the pickle runner command line.
type RunnerConfig struct {
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"    json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"     json:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"     json:"dir,omitempty"`
}

// LoadFile reads and parses a configuration file with strict unknown-field
// rejection.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.Root = abs
	return cfg, nil
}

// Load parses a configuration from r. An empty document yields the zero
// configuration.
func Load(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Discover walks up from dir to the nearest cukerun.yaml. It returns an
// empty path, without error, when there is none.
func Discover(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(abs, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", nil
		}
		abs = parent
	}
}

// Timeout is the default timeout of support code, or zero when unset.
func (c *Config) Timeout() (time.Duration, error) {
	if c.DefaultTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		// A bare number is milliseconds.
		ms, nerr := strconv.Atoi(c.DefaultTimeout)
		if nerr != nil {
			return 0, fmt.Errorf("invalid default_timeout %q: %w", c.DefaultTimeout, err)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	return d, nil
}

// RuntimeConfig derives the switches sent to the runner.
func (c *Config) RuntimeConfig() protocol.RuntimeConfig {
	parallel := c.Parallel
	if parallel < 1 {
		parallel = 1
	}
	return protocol.RuntimeConfig{
		IsDryRun:    c.DryRun,
		IsFailFast:  c.FailFast,
		IsStrict:    c.Strict,
		MaxParallel: parallel,
	}
}

// FeaturesConfig derives pickle selection: paths made absolute against
// Root, ":line" suffixes turned into the lines filter, and the order. A
// random order without a seed gets one from seed.
func (c *Config) FeaturesConfig(seed func() int64) (protocol.FeaturesConfig, error) {
	fc := protocol.FeaturesConfig{
		Language: c.Language,
		Filters: protocol.Filters{
			Names:         append([]string{}, c.Names...),
			TagExpression: c.Tags,
			Lines:         map[string][]int{},
		},
	}
	for _, p := range c.Paths {
		path, lines, err := SplitPathLines(p)
		if err != nil {
			return fc, err
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Root, path)
		}
		path = filepath.Clean(path)
		fc.AbsolutePaths = append(fc.AbsolutePaths, path)
		if len(lines) > 0 {
			fc.Filters.Lines[path] = append(fc.Filters.Lines[path], lines...)
		}
	}

	order, err := ParseOrder(c.Order)
	if err != nil {
		return fc, err
	}
	if order.Type == "random" && order.Seed == nil && seed != nil {
		s := seed()
		order.Seed = &s
	}
	fc.Order = order
	return fc, nil
}

// SplitPathLines splits "path:3:7" into the path and its lines.
func SplitPathLines(s string) (string, []int, error) {
	parts := strings.Split(s, ":")
	i := len(parts)
	for i > 1 {
		if _, err := strconv.Atoi(parts[i-1]); err != nil {
			break
		}
		i--
	}
	path := strings.Join(parts[:i], ":")
	if path == "" {
		return "", nil, fmt.Errorf("invalid path %q", s)
	}
	var lines []int
	for _, p := range parts[i:] {
		n, _ := strconv.Atoi(p)
		if n < 1 {
			return "", nil, fmt.Errorf("invalid line %d in %q", n, s)
		}
		lines = append(lines, n)
	}
	return path, lines, nil
}

// ParseOrder parses "defined", "random" or "random:<seed>". Empty means
// defined.
func ParseOrder(s string) (protocol.Order, error) {
	typ, seedText, hasSeed := strings.Cut(s, ":")
	switch typ {
	case "", "defined":
		if hasSeed {
			return protocol.Order{}, fmt.Errorf("order %q: only random takes a seed", s)
		}
		return protocol.Order{Type: "defined"}, nil
	case "random":
		o := protocol.Order{Type: "random"}
		if hasSeed {
			seed, err := strconv.ParseInt(seedText, 10, 64)
			if err != nil {
				return protocol.Order{}, fmt.Errorf("order %q: invalid seed: %w", s, err)
			}
			o.Seed = &seed
		}
		return o, nil
	default:
		return protocol.Order{}, fmt.Errorf("unknown order %q, expected defined or random[:seed]", s)
	}
}

// Format is an output format and its destination. An empty Path means
// stdout.
type Format struct {
	Type string
	Path string
}

// Format types.
const (
	FormatSummary       = "summary"
	FormatEventProtocol = "event-protocol"
	FormatUsage         = "usage"
	FormatUsageJSON     = "usage-json"
	FormatRerun         = "rerun"
)

// FormatTypes lists the known format types.
var FormatTypes = []string{FormatSummary, FormatEventProtocol, FormatUsage, FormatUsageJSON, FormatRerun}

// ParseFormat parses "type[:path]".
func ParseFormat(s string) (Format, error) {
	typ, path, _ := strings.Cut(s, ":")
	for _, known := range FormatTypes {
		if typ == known {
			return Format{Type: typ, Path: path}, nil
		}
	}
	return Format{}, fmt.Errorf("unknown format %q, expected one of %s", typ, strings.Join(FormatTypes, ", "))
}

// ParsedFormats parses every configured format. Without any, the summary
// goes to stdout.
func (c *Config) ParsedFormats() ([]Format, error) {
	if len(c.Formats) == 0 {
		return []Format{{Type: FormatSummary}}, nil
	}
	out := make([]Format, 0, len(c.Formats))
	for _, s := range c.Formats {
		f, err := ParseFormat(s)
		if err != nil {
			return nil, err
		}
		if f.Path != "" && !filepath.IsAbs(f.Path) {
			f.Path = filepath.Join(c.Root, f.Path)
		}
		out = append(out, f)
	}
	return out, nil
}

// RunnerEnv flattens the runner environment into KEY=VALUE pairs.
func (c *Config) RunnerEnv() []string {
	env := make([]string, 0, len(c.Runner.Env))
	for k, v := range c.Runner.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}
