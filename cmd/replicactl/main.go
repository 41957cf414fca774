// Command replicactl reads, writes and serves replicated values.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-replica/v1/config"
	"github.com/mirkobrombin/go-replica/v1/metrics"
	"github.com/mirkobrombin/go-replica/v1/reducers"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "replicactl",
		Short:         "Replicate values across instances sharing a store",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if err := configureLogging(cfg.LogLevel); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("REPLICA_CONFIG"), "Path to the YAML configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		getCmd(opts),
		setCmd(opts),
		dispatchCmd(opts),
		watchCmd(opts),
		serveCmd(opts),
	)
	return root
}

// configureLogging installs a process-wide text logger on stderr.
func configureLogging(level string) error {
	parsed, err := config.ParseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed})))
	return nil
}

func withRuntime(opts *options, fn func(rt *runtime, cs *cells) error) error {
	rt, err := openRuntime(opts.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("replicactl: close", "error", err)
		}
	}()
	return fn(rt, newCells(rt))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(v)
}

func getCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the current value of KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime, cs *cells) error {
				v, err := cs.read(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			})
		},
	}
}

func setCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Commit a JSON value for KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any
			if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
				return fmt.Errorf("value is not valid JSON: %w", err)
			}
			return withRuntime(opts, func(rt *runtime, cs *cells) error {
				cell, err := cs.value(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := cell.Set(cmd.Context(), v); err != nil {
					return err
				}
				return printJSON(cmd, cell.Read())
			})
		},
	}
}

func dispatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch REDUCER KEY ACTION [PAYLOAD]",
		Short: "Dispatch an action to a configured reducer",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := reducers.Action{Type: args[2]}
			if len(args) == 4 {
				if err := json.Unmarshal([]byte(args[3]), &action.Payload); err != nil {
					return fmt.Errorf("payload is not valid JSON: %w", err)
				}
			}
			return withRuntime(opts, func(rt *runtime, cs *cells) error {
				cell, err := cs.reducer(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if err := cell.Dispatch(cmd.Context(), action); err != nil {
					return err
				}
				return printJSON(cmd, cell.Read())
			})
		},
	}
}

func watchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch KEY",
		Short: "Print KEY every time it changes, until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(opts, func(rt *runtime, cs *cells) error {
				cell, err := cs.value(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd, cell.Read()); err != nil {
					return err
				}
				for v := range cell.Watch(ctx) {
					if err := printJSON(cmd, v); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func serveCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve values, reducers, change streams and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = opts.cfg.HTTP.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.cfg.Trace {
				shutdown, err := setupTracing()
				if err != nil {
					return err
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			reg := metrics.NewRegistry()
			metrics.RegisterCoreMetrics(reg)

			return withRuntime(opts, func(rt *runtime, cs *cells) error {
				srv := &http.Server{
					Addr:              addr,
					Handler:           newHandler(rt, cs, reg),
					ReadHeaderTimeout: 5 * time.Second,
					// Streaming handlers end with the command.
					BaseContext: func(net.Listener) context.Context { return ctx },
				}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					slog.Info("replicactl: serving", "addr", addr, "instance", rt.inst.ID())
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to http.addr)")
	return cmd
}

func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
