package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tomyan/bidicap/internal/bidi"
	"github.com/tomyan/bidicap/internal/launcher"
	"github.com/tomyan/bidicap/internal/session"
)

func getCmdVersion(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show browser version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return gs.withBrowser(func(ctx context.Context, b *session.Browser) (any, error) {
				return b.Version(ctx)
			})
		},
	}
}

func getCmdPages(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "pages",
		Short: "List open pages",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return gs.withBrowser(func(ctx context.Context, b *session.Browser) (any, error) {
				pages, err := b.Pages(ctx)
				if err != nil {
					return nil, err
				}
				return PagesResult{Pages: pages}, nil
			})
		},
	}
}

func getCmdSend(gs *globalState) *cobra.Command {
	var browserLevel bool

	cmd := &cobra.Command{
		Use:   "send <method> [params-json]",
		Short: "Send a command and print its result",
		Long: `Send a command and print its result.

Commands are sent on the attached page session unless --browser is given.
Script.evaluate and Log.enable are understood as aliases on page sessions.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			method := args[0]
			var params any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params for %s are not valid JSON", method)
				}
				params = json.RawMessage(args[1])
			}

			if browserLevel {
				return gs.withBrowser(func(ctx context.Context, b *session.Browser) (any, error) {
					raw, err := b.Conn().Send(ctx, method, params)
					if err != nil {
						return nil, err
					}
					if len(raw) == 0 {
						raw = json.RawMessage("{}")
					}
					return ValueResult{Value: raw}, nil
				})
			}
			return gs.withSession(func(ctx context.Context, s *session.Session) (any, error) {
				v, err := s.SendCommand(ctx, method, params)
				if err != nil {
					return nil, err
				}
				return ValueResult{Value: v}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&browserLevel, "browser", false, "send on the browser connection instead of a page session")
	return cmd
}

// listenLine is one NDJSON line written by listen.
type listenLine struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params"`
}

func getCmdListen(gs *globalState) *cobra.Command {
	var (
		duration time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "listen <event>...",
		Short: "Stream events as NDJSON",
		Long: `Stream events from the attached page as NDJSON until interrupted.

log.entryAdded, network.beforeRequestSent and Performance.metrics enable
the domains they need; other names are subscribed to as they are.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return gs.listen(ctx, args, count)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 waits for an interrupt)")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many events (0 means no limit)")
	return cmd
}

func (gs *globalState) listen(ctx context.Context, events []string, count int) error {
	setupCtx, cancelSetup := context.WithTimeout(ctx, gs.cfg.Timeout)
	defer cancelSetup()

	b, err := gs.connect(setupCtx)
	if err != nil {
		return err
	}
	defer b.Close()

	s, err := b.AttachPage(setupCtx, gs.cfg.Target)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		enc  = json.NewEncoder(gs.stdout)
		seen int
		done = make(chan struct{})
	)
	listener := func(ev bidi.Event) {
		mu.Lock()
		defer mu.Unlock()
		if count > 0 && seen >= count {
			return
		}
		if err := enc.Encode(listenLine{Event: ev.Name, SessionID: ev.SessionID, Params: ev.Payload}); err != nil {
			gs.logger.Warnf("listen", "writing %s: %v", ev.Name, err)
			return
		}
		seen++
		if count > 0 && seen == count {
			close(done)
		}
	}

	g, gctx := errgroup.WithContext(setupCtx)
	for _, name := range events {
		g.Go(func() error {
			_, err := s.On(gctx, name, listener)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	gs.logger.Infof("listen", "listening for %v", events)

	select {
	case <-done:
	case <-ctx.Done():
	case <-b.Conn().Done():
		if err := b.Conn().Err(); err != nil {
			return err
		}
	}
	return nil
}

func getCmdEval(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "eval <script>",
		Short: "Evaluate a script in the page and print the value",
		Long: `Evaluate a script in the page and print the value.

A script with a top-level return statement is run as a function body.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return gs.withSession(func(ctx context.Context, s *session.Session) (any, error) {
				v, err := s.Evaluate(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return ValueResult{Value: v}, nil
			})
		},
	}
}

func getCmdGoto(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "goto <url>",
		Short: "Navigate to a URL and wait for it to load",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return gs.withSession(func(ctx context.Context, s *session.Session) (any, error) {
				return s.Navigate(ctx, args[0])
			})
		},
	}
}

func getCmdText(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "text <selector>",
		Short: "Print the text of the first element matching a CSS or XPath selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return gs.withSession(func(ctx context.Context, s *session.Session) (any, error) {
				el, err := s.Query(ctx, args[0])
				if err != nil {
					return nil, err
				}
				text, err := el.Text(ctx)
				if err != nil {
					return nil, err
				}
				return TextResult{Selector: args[0], Text: text}, nil
			})
		},
	}
}

func getCmdSetText(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "set-text <selector> <text>",
		Short: "Replace the text of the first matching element",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return gs.withSession(func(ctx context.Context, s *session.Session) (any, error) {
				el, err := s.Query(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if err := el.SetText(ctx, args[1]); err != nil {
					return nil, err
				}
				return SetTextResult{Selector: args[0], Text: args[1]}, nil
			})
		},
	}
}

func getCmdClick(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "click <selector>",
		Short: "Click the first matching element",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return gs.withSession(func(ctx context.Context, s *session.Session) (any, error) {
				el, err := s.Query(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if err := el.Click(ctx); err != nil {
					return nil, err
				}
				return ClickResult{Selector: args[0], Clicked: true}, nil
			})
		},
	}
}

func getCmdPerf(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "perf",
		Short: "Print the page's performance metrics",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return gs.withSession(func(ctx context.Context, s *session.Session) (any, error) {
				metrics, err := s.PerformanceMetrics(ctx)
				if err != nil {
					return nil, err
				}
				return PerfResult{Metrics: metrics}, nil
			})
		},
	}
}

func getCmdLaunch(gs *globalState) *cobra.Command {
	var (
		headless   bool
		chromePath string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start Chrome with remote debugging enabled",
		Long: `Start Chrome with remote debugging enabled and print its port and pid.

The browser keeps running after bidicap exits unless --wait is given, in
which case it is stopped on interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := launcher.Options{
				ChromePath:   gs.cfg.ChromePath,
				Port:         gs.cfg.Port,
				Headless:     gs.cfg.Headless,
				StartTimeout: gs.cfg.Timeout,
				Logger:       gs.logger,
			}
			if cmd.Flags().Changed("headless") {
				opts.Headless = headless
			}
			if cmd.Flags().Changed("chrome-path") {
				opts.ChromePath = chromePath
			}
			if launcher.IsPortOpen(gs.cfg.Host, opts.Port) {
				return fmt.Errorf("port %d is already in use", opts.Port)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			inst, err := launcher.Launch(ctx, opts)
			if err != nil {
				if errors.Is(err, launcher.ErrChromeNotFound) {
					return fmt.Errorf("%w (set --chrome-path or BIDICAP_CHROME_PATH)", err)
				}
				return err
			}

			res := LaunchResult{Port: inst.Port, PID: inst.PID, DataDir: inst.DataDir}
			if inst.Info != nil {
				res.Browser = inst.Info.Browser
				res.WSURL = inst.Info.WebSocketDebuggerURL
			}
			if err := outputResult(gs.cfg.Output, gs.stdout, res); err != nil {
				inst.Stop()
				return err
			}

			if wait {
				<-ctx.Done()
				return inst.Stop()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", true, "run without a window (env: BIDICAP_HEADLESS)")
	cmd.Flags().StringVar(&chromePath, "chrome-path", "", "Chrome binary (env: BIDICAP_CHROME_PATH)")
	cmd.Flags().BoolVar(&wait, "wait", false, "stay in the foreground and stop Chrome on interrupt")
	return cmd
}
