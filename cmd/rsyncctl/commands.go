package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rsync/pkg/dbsync"
	"github.com/conductorone/baton-rsync/pkg/dispatch"
	"github.com/conductorone/baton-rsync/pkg/logging"
	"github.com/conductorone/baton-rsync/pkg/metrics"
	"github.com/conductorone/baton-rsync/pkg/rsync"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rsyncctl",
		Short:         "rsyncctl runs range reconciliation steps against a SQLite table",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("db", "d", "rsync.db", "The path to the SQLite database")
	cmd.PersistentFlags().StringP("out", "o", "-", "Where to write emitted messages; '-' for stdout, a .zst suffix compresses")
	cmd.PersistentFlags().String("log-level", "info", "The log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", logging.LogFormatJSON, "The log format: json or console")
	cmd.PersistentFlags().Int("max-eps", 0, "Maximum messages emitted per second; 0 disables throttling")
	cmd.PersistentFlags().Bool("metrics", false, "Print collected metrics to stderr on exit")

	cmd.AddCommand(loadCmd())
	cmd.AddCommand(startSyncCmd())
	cmd.AddCommand(pushCmd())

	return cmd
}

// env is everything a command needs once flags are resolved.
type env struct {
	cfg     *config
	db      *dbsync.DB
	sink    *writerSink
	rs      *rsync.RemoteSync
	closers []func(context.Context) error
}

func setup(ctx context.Context, cmd *cobra.Command, withSync bool) (context.Context, *env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return ctx, nil, err
	}

	ctx, err = logging.Init(ctx,
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
	)
	if err != nil {
		return ctx, nil, err
	}

	e := &env{cfg: cfg}
	e.db, err = dbsync.Open(ctx, cfg.DB)
	if err != nil {
		return ctx, nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { return e.db.Close() })

	if !withSync {
		return ctx, e, nil
	}

	e.sink, err = openSink(cfg.Out)
	if err != nil {
		_ = e.close(ctx)
		return ctx, nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { return e.sink.Close() })

	var opts []rsync.Option
	if cfg.Metrics {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			_ = e.close(ctx)
			return ctx, nil, err
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
		e.closers = append(e.closers, provider.Shutdown)
		opts = append(opts, rsync.WithMetrics(metrics.NewOtelHandler(ctx, provider, "rsyncctl")))
	}

	e.rs = rsync.New(ctx, opts...)
	e.closers = append(e.closers, e.rs.Close)
	return ctx, e, nil
}

// close runs the closers in reverse order of registration.
func (e *env) close(ctx context.Context) error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, e.closers[i](ctx))
	}
	return err
}

func (e *env) output() rsync.Sink {
	return rsync.NewThrottledSink(e.sink, e.cfg.MaxEPS)
}

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <script.sql>",
		Short: "Run a SQL script (schema and rows) against the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, err := setup(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = e.close(ctx) }()

			script, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := e.db.ExecScript(ctx, string(script)); err != nil {
				return err
			}
			ctxzap.Extract(ctx).Info("script loaded", zap.String("script", args[0]), zap.String("db", e.cfg.DB))
			return nil
		},
	}
	return cmd
}

func startSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start-sync",
		Short: "Compare the whole table and emit integrity_clear or integrity_check_global",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, err := setup(cmd.Context(), cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = e.close(ctx) }()

			raw, err := os.ReadFile(e.cfg.Config)
			if err != nil {
				return fmt.Errorf("rsyncctl: reading start config: %w", err)
			}
			sc, err := rsync.ParseStartConfig(raw)
			if err != nil {
				return err
			}
			if err := e.rs.StartSync(ctx, e.db, sc, e.output()); err != nil {
				return err
			}
			return e.close(ctx)
		},
	}
	cmd.Flags().StringP("config", "c", "", "The start-sync JSON configuration (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Register a sync id and replay inbound frames, one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, err := setup(cmd.Context(), cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = e.close(ctx) }()

			l := ctxzap.Extract(ctx)

			raw, err := os.ReadFile(e.cfg.Config)
			if err != nil {
				return fmt.Errorf("rsyncctl: reading registration config: %w", err)
			}
			rc, err := rsync.ParseRegistrationConfig(raw)
			if err != nil {
				return err
			}
			if err := e.rs.RegisterSyncID(ctx, e.cfg.SyncID, e.db, rc, e.output()); err != nil {
				return err
			}

			in, err := openInput(cmd, e.cfg.Frames)
			if err != nil {
				return err
			}
			defer in.Close()

			d, err := dispatch.New(ctx, e.rs)
			if err != nil {
				return err
			}

			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := d.Push(ctx, []byte(line)); err != nil {
					_ = d.Close()
					return err
				}
			}
			if err := d.Close(); err != nil {
				return err
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			l.Info("frames replayed", zap.Int64("handled", d.Handled()), zap.Int64("failed", d.Failed()))
			if err := e.close(ctx); err != nil {
				return err
			}
			if d.Failed() > 0 {
				return fmt.Errorf("rsyncctl: %d of %d frames failed", d.Failed(), d.Failed()+d.Handled())
			}
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "The registration JSON configuration (required)")
	cmd.Flags().String("sync-id", "", "The sync id frames are addressed to (required)")
	cmd.Flags().StringP("frames", "f", "-", "The file holding inbound frames; '-' for stdin")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("sync-id")
	return cmd
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

// writerSink writes every message as one line. Close is idempotent.
type writerSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer func() error
	closed bool
}

func openSink(path string) (*writerSink, error) {
	if path == "" || path == "-" {
		return &writerSink{w: bufio.NewWriter(os.Stdout), closer: func() error { return nil }}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		return &writerSink{w: bufio.NewWriter(f), closer: f.Close}, nil
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &writerSink{
		w: bufio.NewWriter(zw),
		closer: func() error {
			return errors.Join(zw.Close(), f.Close())
		},
	}, nil
}

func (s *writerSink) Emit(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

func (s *writerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.w.Flush(), s.closer())
}
