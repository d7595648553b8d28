package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blobmover/api"
	"blobmover/pkg/config"
	"blobmover/pkg/console"
	"blobmover/pkg/copytool"
	"blobmover/pkg/models"
	"blobmover/pkg/progress"
	"blobmover/pkg/queue"
	"blobmover/pkg/selector"
	"blobmover/pkg/state"
	"blobmover/pkg/storage"
	"blobmover/pkg/transfer"
	"blobmover/pkg/worker"
)

const (
	directUsage = "mover <srcConnectionString> <srcContainer> <destConnectionString> <destContainer> " +
		"<selection> <exclusion> <deleteFromSource> <safeDeleteFromSource> <tier> <localTempPath> " +
		"<deleteFromLocalTemp> <overwriteIfExists> <copyToolPath> <customerId> <saveLog> <logPath>"
	workerArgumentCount = 5
	shutdownTimeout     = 10 * time.Second
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           directUsage,
		Short:         "Move page blobs to block blobs through local staging",
		Long:          "Selects the source blobs and moves them one by one in this process. Use the worker command to consume a batch queue instead.",
		Args:          cobra.ExactArgs(config.MoverArgumentCount),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			return moveDirect(cmd.Context(), cmd.OutOrStdout(), env, args)
		},
	}
	// patterns such as -old$ are positional values, not flags
	cmd.Flags().SetInterspersed(false)
	cmd.AddCommand(newWorkerCommand())
	return cmd
}

func newWorkerCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "worker <srcConnectionString> <customerId> <batchId> <saveLog> <logPath>",
		Short: "Consume the jobs queue of a batch created by the batch creator",
		Args:  cobra.ExactArgs(workerArgumentCount),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			if listen != "" {
				env.ListenAddr = listen
			}
			return runWorker(cmd.Context(), cmd.OutOrStdout(), env, args)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve health, metrics and status on this address, e.g. :8000")
	return cmd
}

func loadEnvironment() (config.Environment, error) {
	env, err := config.LoadEnvironment(".env")
	if err != nil {
		return config.Environment{}, err
	}
	console.SetupLogging(env.LogLevel)
	return env, nil
}

// openStores resolves both accounts and opens the source and destination containers
func openStores(ctx context.Context, cfg models.MovementConfiguration) (storage.Store, storage.Store, error) {
	src, dest, err := config.ResolveAccounts(cfg)
	if err != nil {
		return nil, nil, err
	}
	source, err := storage.Open(ctx, src, cfg.SrcContainerName)
	if err != nil {
		return nil, nil, models.ConfigurationError("open source container", err)
	}
	destination, err := storage.Open(ctx, dest, cfg.DestContainerName)
	if err != nil {
		return nil, nil, models.ConfigurationError("open destination container", err)
	}
	return source, destination, nil
}

func openSink(env config.Environment, opts models.LogOptions) (progress.LogSink, error) {
	dir := opts.LogPath
	if dir == "" {
		dir = env.LogsFolder()
	}
	return progress.OpenSink(opts.SaveLog, dir, env.Location())
}

func engineOptions(env config.Environment, cfg models.MovementConfiguration, out io.Writer, sink progress.LogSink) []transfer.Option {
	return []transfer.Option{
		transfer.WithOutput(out),
		transfer.WithLogSink(sink),
		transfer.WithStagingRoot(env.DataFolder(cfg.LocalTempPath)),
		transfer.WithSASValidity(env.SASValidity),
	}
}

func moveDirect(ctx context.Context, out io.Writer, env config.Environment, args []string) error {
	cfg, logOpts, err := config.ParseMoverArguments(args)
	if err != nil {
		return err
	}
	source, destination, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Storage Accounts Validated...")

	sink, err := openSink(env, logOpts)
	if err != nil {
		return models.ConfigurationError("open log file", err)
	}
	defer sink.Close()

	candidates, err := selector.New(slog.Default()).Select(ctx, source, cfg.SrcPattern, cfg.SrcExcludePattern)
	if err != nil {
		return err
	}

	engine, err := transfer.NewEngine(ctx, cfg, source, destination, copytool.NewExec(cfg.CopyToolPath),
		engineOptions(env, cfg, out, sink)...)
	if err != nil {
		return err
	}

	jobs := make([]models.Job, 0, candidates.Len())
	for _, obj := range candidates.Objects() {
		objectURL := obj.URL
		if objectURL == "" {
			objectURL = source.ObjectURL(obj.Name)
		}
		jobs = append(jobs, models.Job{ObjectURL: objectURL})
	}

	if _, err := engine.Run(ctx, jobs); err != nil {
		return err
	}
	return reportStats(out, engine.Tracker().Stats())
}

func runWorker(ctx context.Context, out io.Writer, env config.Environment, args []string) error {
	account, err := config.ParseConnectionString(args[0])
	if err != nil {
		return err
	}
	customerID, batchID := args[1], args[2]
	logOpts, err := config.ParseLogOptions(args[3], args[4])
	if err != nil {
		return err
	}

	records, err := state.Open(ctx, env, account)
	if err != nil {
		return err
	}
	defer records.Close()

	record, err := records.LoadBatch(ctx, customerID, batchID)
	if err != nil {
		return models.ConfigurationError("load batch", err)
	}
	cfg := record.Configuration.WithBatchID(record.BatchID)

	queues, err := queue.Open(ctx, env, account)
	if err != nil {
		return err
	}
	defer queues.Close()

	source, destination, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Storage Accounts Validated...")

	sink, err := openSink(env, logOpts)
	if err != nil {
		return models.ConfigurationError("open log file", err)
	}
	defer sink.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := progress.NewMetrics(reg)
	if err != nil {
		return err
	}

	tracker := progress.NewTracker(0)
	opts := append(engineOptions(env, cfg, out, sink), transfer.WithTracker(tracker), transfer.WithMetrics(metrics))
	engine, err := transfer.NewEngine(ctx, cfg, source, destination, copytool.NewExec(cfg.CopyToolPath), opts...)
	if err != nil {
		return err
	}

	w := worker.New(env, *record, queues.Queue(env.QueueName(record.BatchID)), engine, records,
		worker.WithTracker(tracker))

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	if env.ListenAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              env.ListenAddr,
			Handler:           api.SetupRouter(api.NewHandlers(w, records), reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("status api listening", "addr", env.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-serveCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stopServing()
		return w.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n\nProcessed finished.\n%s\n", tracker.Summary())
	return reportStats(out, tracker.Stats())
}

// reportStats prints the closing counters and fails the run when any job failed
func reportStats(out io.Writer, stats progress.Stats) error {
	fmt.Fprintf(out, "%d completed, %d skipped, %d failed, %d removed from source\n",
		stats.Completed, stats.Skipped, stats.Failed, stats.SourceDeleted)
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d blobs were not moved", stats.Failed, stats.Processed())
	}
	console.Success(out, "All blobs processed.")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cmd := newRootCommand()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		console.Failure(cmd.ErrOrStderr(), err)
	}
	stop()

	console.Pause(cmd.OutOrStdout())
	os.Exit(console.ExitCode(err))
}
