// Command bidicap drives a Chromium-family browser over its debugging
// protocol: raw and aliased commands, event streams, script evaluation and
// a handful of page helpers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tomyan/bidicap/internal/bidi"
	"github.com/tomyan/bidicap/internal/config"
	"github.com/tomyan/bidicap/internal/log"
	"github.com/tomyan/bidicap/internal/session"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

// errConnFailed marks failures to reach the browser at all.
var errConnFailed = errors.New("connection failed")

// globalState is shared by every command of one invocation.
type globalState struct {
	stdout io.Writer
	stderr io.Writer
	env    map[string]string
	colors bool

	// configPaths overrides the config file lookup; nil means the defaults.
	configPaths []string

	cfg    *config.Config
	logger *log.Logger

	stopMetrics func()
}

// flagValues receives the persistent flags. They only override the config
// chain when set explicitly.
type flagValues struct {
	host           string
	port           int
	timeout        time.Duration
	commandTimeout time.Duration
	output         string
	target         string
	logLevel       string
	logFilter      string
	metricsAddr    string
	configFile     string
	profile        string
}

func main() {
	gs := &globalState{
		stdout: colorable.NewColorableStdout(),
		stderr: colorable.NewColorableStderr(),
		env:    config.EnvMap(os.Environ()),
		colors: isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
	}
	os.Exit(run(os.Args[1:], gs))
}

func run(args []string, gs *globalState) int {
	root := newRootCmd(gs)
	root.SetArgs(args)
	root.SetOut(gs.stdout)
	root.SetErr(gs.stderr)

	err := root.Execute()
	if gs.stopMetrics != nil {
		gs.stopMetrics()
	}
	if err == nil {
		return ExitSuccess
	}

	code := exitCode(err)
	if code == ExitTimeout {
		fmt.Fprintf(gs.stderr, "error: timeout: %v\n", err)
	} else {
		fmt.Fprintf(gs.stderr, "error: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	var timeout *bidi.TimeoutError
	switch {
	case errors.Is(err, errConnFailed):
		return ExitConnFailed
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	default:
		return ExitError
	}
}

func newRootCmd(gs *globalState) *cobra.Command {
	defaults := config.Default()
	fv := &flagValues{}

	root := &cobra.Command{
		Use:           "bidicap",
		Short:         "Drive a browser over its debugging protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return gs.configure(cmd.Flags(), fv)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&fv.host, "host", defaults.Host, "browser debug host (env: BIDICAP_HOST)")
	pf.IntVar(&fv.port, "port", defaults.Port, "browser debug port (env: BIDICAP_PORT)")
	pf.DurationVar(&fv.timeout, "timeout", defaults.Timeout, "overall timeout (env: BIDICAP_TIMEOUT)")
	pf.DurationVar(&fv.commandTimeout, "command-timeout", defaults.CommandTimeout, "per-command timeout (env: BIDICAP_COMMAND_TIMEOUT)")
	pf.StringVarP(&fv.output, "output", "o", defaults.Output, "output format: json, ndjson, text (env: BIDICAP_OUTPUT)")
	pf.StringVar(&fv.target, "target", "", "page to attach to, by index or target id (env: BIDICAP_TARGET)")
	pf.StringVar(&fv.logLevel, "log-level", defaults.LogLevel, "log level (env: BIDICAP_LOG_LEVEL)")
	pf.StringVar(&fv.logFilter, "log-filter", "", "only log categories matching this regexp (env: BIDICAP_LOG_FILTER)")
	pf.StringVar(&fv.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (env: BIDICAP_METRICS_ADDR)")
	pf.StringVar(&fv.configFile, "config", "", "config file (default ./"+config.FileName+" then ~/"+config.FileName+")")
	pf.StringVar(&fv.profile, "profile", "", "named profile from the config file (env: BIDICAP_PROFILE)")

	root.AddCommand(
		getCmdVersion(gs),
		getCmdPages(gs),
		getCmdSend(gs),
		getCmdListen(gs),
		getCmdEval(gs),
		getCmdGoto(gs),
		getCmdText(gs),
		getCmdSetText(gs),
		getCmdClick(gs),
		getCmdPerf(gs),
		getCmdLaunch(gs),
	)
	return root
}

// configure runs the config chain: defaults < config file < environment <
// explicit flags.
func (gs *globalState) configure(flags *pflag.FlagSet, fv *flagValues) error {
	paths := gs.configPaths
	if fv.configFile != "" {
		paths = []string{fv.configFile}
	} else if paths == nil {
		paths = config.DefaultPaths()
	}
	profile := fv.profile
	if profile == "" {
		profile = gs.env["BIDICAP_PROFILE"]
	}

	cfg, err := config.Load(paths, profile, gs.env)
	if err != nil {
		return err
	}

	if flags.Changed("host") {
		cfg.Host = fv.host
	}
	if flags.Changed("port") {
		cfg.Port = fv.port
	}
	if flags.Changed("timeout") {
		cfg.Timeout = fv.timeout
	}
	if flags.Changed("command-timeout") {
		cfg.CommandTimeout = fv.commandTimeout
	}
	if flags.Changed("output") {
		cfg.Output = fv.output
	}
	if flags.Changed("target") {
		cfg.Target = fv.target
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = fv.logLevel
	}
	if flags.Changed("log-filter") {
		cfg.LogFilter = fv.logFilter
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	gs.cfg = cfg

	logger, err := log.NewConsole(gs.stderr, cfg.LogLevel, gs.colors)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if err := logger.SetCategoryFilter(cfg.LogFilter); err != nil {
		return err
	}
	gs.logger = logger

	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		gs.stopMetrics = stop
	}
	return nil
}

func serveMetrics(addr string, logger *log.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics", "serving metrics: %v", err)
		}
	}()
	logger.Infof("metrics", "serving metrics on %s", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// connect opens a browser connection with the configured endpoint.
func (gs *globalState) connect(ctx context.Context) (*session.Browser, error) {
	b, err := session.Connect(ctx, session.Options{
		Host:           gs.cfg.Host,
		Port:           gs.cfg.Port,
		CommandTimeout: gs.cfg.CommandTimeout,
		LoadTimeout:    gs.cfg.Timeout,
		Logger:         gs.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConnFailed, err)
	}
	return b, nil
}

// withBrowser runs fn against a fresh connection bounded by the overall
// timeout and prints its result.
func (gs *globalState) withBrowser(fn func(ctx context.Context, b *session.Browser) (any, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), gs.cfg.Timeout)
	defer cancel()

	b, err := gs.connect(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	result, err := fn(ctx, b)
	if err != nil {
		return err
	}
	return outputResult(gs.cfg.Output, gs.stdout, result)
}

// withSession is withBrowser plus an attached page session picked by
// --target.
func (gs *globalState) withSession(fn func(ctx context.Context, s *session.Session) (any, error)) error {
	return gs.withBrowser(func(ctx context.Context, b *session.Browser) (any, error) {
		s, err := b.AttachPage(ctx, gs.cfg.Target)
		if err != nil {
			return nil, err
		}
		return fn(ctx, s)
	})
}
