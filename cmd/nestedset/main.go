// nestedset gRPC server
// Provides remote tree maintenance over a SQLite node table
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/nestedset/internal/config"
	"github.com/nainya/nestedset/internal/logger"
	"github.com/nainya/nestedset/internal/metrics"
	"github.com/nainya/nestedset/internal/server"
	"github.com/nainya/nestedset/pkg/journal"
	"github.com/nainya/nestedset/pkg/sqlstore"
)

func main() {
	cfg := config.NewConfig("nestedset")
	if err := cfg.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		fs := cfg.FlagSet()
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
		os.Exit(2)
	}

	log := cfg.Logger()
	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.LogServerStart(cfg.Addr, cfg.DBPath)

	db, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	m.StartUptime(10 * time.Second)
	defer m.Stop()

	opts := []server.Option{server.WithLogger(log), server.WithMetrics(m)}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path,
			journal.WithMaxFileSize(cfg.Journal.MaxFileSize),
			journal.WithMaxFiles(cfg.Journal.MaxFiles))
		if err != nil {
			return err
		}
		defer j.Close()

		// SQLite is the durable copy; a checkpoint only needs its WAL folded in.
		cp := journal.NewCheckpointer(j, cfg.Journal.CheckpointInterval.Duration, func(ctx context.Context) error {
			_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
			m.RecordCheckpoint(err)
			return err
		}, log.Zerolog())
		cp.Start()
		defer cp.Stop()
		opts = append(opts, server.WithJournal(j))
	}

	srv, err := server.NewServer(ctx, db, cfg.Schema(), cfg.ManagerOptions(), opts...)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.MetricsInterceptor(m, log)),
		grpc.MaxRecvMsgSize(64<<20),
		grpc.MaxSendMsgSize(64<<20),
	)
	server.RegisterTreeServiceServer(grpcServer, srv)
	reflection.Register(grpcServer)

	var obs *server.ObservabilityServer
	errCh := make(chan error, 2)
	if cfg.StatusAddr != "" {
		obsLis, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.StatusAddr, err)
		}
		obs = server.NewObservabilityServer(cfg.StatusAddr, reg, srv.Ready, log)
		go func() { errCh <- obs.Serve(obsLis) }()
	}
	go func() { errCh <- grpcServer.Serve(lis) }()
	log.LogServerReady(lis.Addr().String())

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	log.LogServerShutdown()
	grpcServer.GracefulStop()
	if obs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}
	return err
}
