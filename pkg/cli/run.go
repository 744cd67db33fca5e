package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/cukerun/pkg/config"
	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/metrics"
	"github.com/ormasoftchile/cukerun/pkg/runtime"
	"github.com/ormasoftchile/cukerun/pkg/snippet"
	"github.com/ormasoftchile/cukerun/pkg/status"
	"github.com/ormasoftchile/cukerun/pkg/steprunner"
	"github.com/ormasoftchile/cukerun/pkg/summary"
	"github.com/ormasoftchile/cukerun/pkg/support"
	"github.com/ormasoftchile/cukerun/pkg/usage"
)

type runFlags struct {
	config          string
	runner          string
	tags            string
	names           []string
	order           string
	dryRun          bool
	failFast        bool
	strict          bool
	parallel        int
	formats         []string
	worldParameters string
	timeout         string
	noColor         bool
	metricsFile     string
	runsDir         string
	verbose         bool
}

func (a *App) runCommand() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [pickle-file[:line]...]",
		Short: "Run pickles through the configured pickle runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "Path to cukerun.yaml (default: nearest one upwards)")
	fl.StringVar(&f.runner, "runner", "", "Pickle runner command line")
	fl.StringVar(&f.tags, "tags", "", "Only run pickles matching this tag expression")
	fl.StringArrayVar(&f.names, "name", nil, "Only run pickles whose name matches this regexp, repeatable")
	fl.StringVar(&f.order, "order", "", "Run order: defined or random[:seed]")
	fl.BoolVar(&f.dryRun, "dry-run", false, "Match steps without running support code")
	fl.BoolVar(&f.failFast, "fail-fast", false, "Stop after the first failing test case")
	fl.BoolVar(&f.strict, "strict", false, "Fail the run on pending or undefined steps")
	fl.IntVar(&f.parallel, "parallel", 0, "Run up to this many test cases at once")
	fl.StringArrayVar(&f.formats, "format", nil, "Output format type[:path], repeatable ("+strings.Join(config.FormatTypes, ", ")+")")
	fl.StringVar(&f.worldParameters, "world-parameters", "", "JSON object passed to every world")
	fl.StringVar(&f.timeout, "timeout", "", "Default step timeout (e.g. 5s, or milliseconds)")
	fl.BoolVar(&f.noColor, "no-color", false, "Disable colored output")
	fl.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	fl.StringVar(&f.runsDir, "runs-dir", "", "Write a run manifest under this directory")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Log every protocol command")
	return cmd
}

// loadConfig reads the explicit config file, else the nearest one, else
// starts from an empty configuration rooted at the working directory.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		found, err := config.Discover(wd)
		if err != nil {
			return nil, err
		}
		if found == "" {
			return &config.Config{Root: wd}, nil
		}
		path = found
	}
	return config.LoadFile(path)
}

// apply overrides the file configuration with the flags that were set.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config, args []string) error {
	changed := cmd.Flags().Changed
	if len(args) > 0 {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg.Paths = nil
		for _, p := range args {
			path, lines, err := config.SplitPathLines(p)
			if err != nil {
				return err
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(wd, path)
			}
			for _, l := range lines {
				path += fmt.Sprintf(":%d", l)
			}
			cfg.Paths = append(cfg.Paths, path)
		}
	}
	if changed("runner") {
		fields := strings.Fields(f.runner)
		if len(fields) == 0 {
			return fmt.Errorf("--runner must not be empty")
		}
		cfg.Runner.Command = fields[0]
		cfg.Runner.Args = fields[1:]
	}
	if changed("tags") {
		cfg.Tags = f.tags
	}
	if changed("name") {
		cfg.Names = f.names
	}
	if changed("order") {
		cfg.Order = f.order
	}
	if changed("dry-run") {
		cfg.DryRun = f.dryRun
	}
	if changed("fail-fast") {
		cfg.FailFast = f.failFast
	}
	if changed("strict") {
		cfg.Strict = f.strict
	}
	if changed("parallel") {
		cfg.Parallel = f.parallel
	}
	if changed("format") {
		cfg.Formats = f.formats
	}
	if changed("world-parameters") {
		var params map[string]any
		if err := json.Unmarshal([]byte(f.worldParameters), &params); err != nil {
			return fmt.Errorf("--world-parameters must be a JSON object: %w", err)
		}
		cfg.WorldParameters = params
	}
	if changed("timeout") {
		cfg.DefaultTimeout = f.timeout
	}
	if changed("no-color") {
		cfg.NoColor = f.noColor
	}
	if changed("metrics-file") {
		cfg.MetricsFile = f.metricsFile
	}
	if changed("runs-dir") {
		cfg.RunsDir = f.runsDir
	}
	return nil
}

func fatal(err error) error { return &ExitError{Code: ExitFatal, Err: err} }

func (a *App) run(cmd *cobra.Command, f *runFlags, args []string) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	log := newLogger(stderr, f.verbose)

	cfg, err := loadConfig(f.config)
	if err != nil {
		return fatal(err)
	}
	if err := f.apply(cmd, cfg, args); err != nil {
		return fatal(err)
	}
	verrs := config.Validate(cfg)
	for _, e := range verrs {
		if e.Severity == "warning" {
			log.Warn("configuration", "path", e.Path, "message", e.Message)
		}
	}
	if err := verrs.Err(); err != nil {
		return fatal(fmt.Errorf("invalid configuration:\n%w", err))
	}

	lib, err := a.library(cfg)
	if err != nil {
		return fatal(err)
	}
	features, err := cfg.FeaturesConfig(func() int64 {
		seed := rand.Int64N(1 << 31)
		log.Warn("random order seed", "seed", seed, "rerun_with", fmt.Sprintf("--order random:%d", seed))
		return seed
	})
	if err != nil {
		return fatal(err)
	}
	formats, err := cfg.ParsedFormats()
	if err != nil {
		return fatal(err)
	}

	colors := steprunner.NewColorFns(!cfg.NoColor)
	bc := events.NewBroadcaster()
	sum := summary.New(lib.Cwd(), cfg.Strict)
	sum.Attach(bc)

	outputs, err := openOutputs(formats, stdout, bc, lib, cfg)
	if err != nil {
		return fatal(err)
	}
	defer outputs.close()

	rt, err := runtime.New(runtime.Options{
		Library:         lib,
		Broadcaster:     bc,
		FeaturesConfig:  features,
		RuntimeConfig:   cfg.RuntimeConfig(),
		WorldParameters: cfg.WorldParameters,
		Colors:          colors,
		Logger:          log,
		Runner: runtime.RunnerCommand{
			Path: cfg.Runner.Command,
			Args: cfg.Runner.Args,
			Env:  cfg.RunnerEnv(),
			Dir:  cfg.Runner.Dir,
		},
		RunnerStderr: stderr,
	})
	if err != nil {
		return fatal(err)
	}

	var recorder *metrics.Recorder
	if cfg.MetricsFile != "" {
		recorder = metrics.NewRecorder(rt.RunID())
		recorder.Attach(bc)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	serve := a.Serve
	if serve == nil {
		serve = func(ctx context.Context, rt *runtime.Runtime) (bool, error) { return rt.Run(ctx) }
	}
	success, runErr := serve(ctx, rt)

	if err := outputs.finish(sum, colors); err != nil {
		log.Error("write output", "error", err)
	}
	if recorder != nil {
		if err := recorder.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Error("write metrics", "path", cfg.MetricsFile, "error", err)
		}
	}
	if cfg.RunsDir != "" {
		dir := cfg.RunsDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.Root, dir)
		}
		dir = filepath.Join(dir, rt.RunID())
		if err := sum.WriteManifest(dir, rt.RunID()); err != nil {
			log.Error("write run manifest", "dir", dir, "error", err)
		}
	}

	if runErr != nil {
		return fatal(runErr)
	}
	if !success {
		return &ExitError{Code: ExitTestsFailed, Err: ErrTestsFailed}
	}
	return nil
}

func (a *App) library(cfg *config.Config) (*support.Library, error) {
	b := support.NewBuilder(cfg.Root)
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		if err := b.SetDefaultTimeout(timeout); err != nil {
			return nil, err
		}
	}
	if a.Register != nil {
		if err := a.Register(b); err != nil {
			return nil, fmt.Errorf("register support code: %w", err)
		}
	}
	lib, err := b.Finalize()
	if err != nil {
		return nil, fmt.Errorf("support code: %w", err)
	}
	return lib, nil
}

// outputs are the configured formats with their open destinations.
type outputs struct {
	files   []*os.File
	writers []*events.Writer
	usage   []*usage.Formatter
	summary io.Writer
	rerun   []io.Writer
}

func openOutputs(formats []config.Format, stdout io.Writer, bc *events.Broadcaster, lib *support.Library, cfg *config.Config) (*outputs, error) {
	o := &outputs{}
	for _, f := range formats {
		w := stdout
		if f.Path != "" {
			if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
				o.close()
				return nil, err
			}
			file, err := os.Create(f.Path)
			if err != nil {
				o.close()
				return nil, fmt.Errorf("open %s output: %w", f.Type, err)
			}
			o.files = append(o.files, file)
			w = file
		}
		switch f.Type {
		case config.FormatSummary:
			o.summary = w
		case config.FormatEventProtocol:
			ew := events.NewWriter(w)
			bc.OnAny(ew.Handle)
			o.writers = append(o.writers, ew)
		case config.FormatUsage, config.FormatUsageJSON:
			c := usage.NewCollector(lib.Cwd(), lib.SupportCodeConfig().StepDefinitions, cfg.DryRun)
			o.usage = append(o.usage, usage.NewFormatter(bc, c, w, f.Type == config.FormatUsageJSON))
		case config.FormatRerun:
			o.rerun = append(o.rerun, w)
		}
	}
	return o, nil
}

// finish writes the outputs that are produced after the run.
func (o *outputs) finish(sum *summary.Summary, colors steprunner.ColorFns) error {
	var errs []error
	for _, ew := range o.writers {
		if err := ew.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, u := range o.usage {
		if err := u.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range o.rerun {
		if lines := sum.Rerun(); len(lines) > 0 {
			if _, err := io.WriteString(w, strings.Join(lines, "\n")); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if o.summary != nil {
		if err := sum.WriteReport(o.summary, colors); err != nil {
			errs = append(errs, err)
		}
		if md := snippet.RenderMarkdown(undefinedSnippets(sum), 100); md != "" {
			if _, err := fmt.Fprintln(o.summary, "\n"+md); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d output error(s), first: %w", len(errs), errs[0])
	}
	return nil
}

// undefinedSnippets collects the distinct snippets of undefined test cases.
func undefinedSnippets(sum *summary.Summary) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range sum.Failures() {
		if f.Status != status.Undefined || f.Message == "" || seen[f.Message] {
			continue
		}
		seen[f.Message] = true
		out = append(out, f.Message)
	}
	return out
}

func (o *outputs) close() {
	for _, ew := range o.writers {
		if err := ew.Close(); err != nil {
			slog.Debug("close event writer", "error", err)
		}
	}
	for _, f := range o.files {
		f.Close()
	}
}
