package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"blobmover/pkg/batch"
	"blobmover/pkg/config"
	"blobmover/pkg/console"
	"blobmover/pkg/progress"
	"blobmover/pkg/queue"
	"blobmover/pkg/state"
)

var version = "1.0.0"

const usage = "batchcreator <srcConnectionString> <srcContainer> <destConnectionString> <destContainer> " +
	"<selection> <exclusion> <deleteFromSource> <safeDeleteFromSource> <tier> <localTempPath> " +
	"<deleteFromLocalTemp> <overwriteIfExists> <copyToolPath> <customerId>"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   usage,
		Short: "Register a batch of source blobs and queue one move job per blob",
		Long: `Validates both storage accounts, saves the batch parameters and enqueues every
blob matched by the selection expression:

  *[regex]   every blob, optionally filtered by regex
  >file      blob names or urls listed in file, one per line
  #n         the first n blobs, 0 for all
  name       exactly one blob

The exclusion expression is a regex; pass "" for none.`,
		Args:          cobra.ExactArgs(config.BatchArgumentCount),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return createBatch(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
	cmd.SetVersionTemplate("blobmover batch creator v{{.Version}}\n")
	// patterns such as -old$ are positional values, not flags
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func versionRequested(cmd *cobra.Command) bool {
	f := cmd.Flags().Lookup("version")
	return f != nil && f.Changed
}

func createBatch(ctx context.Context, out io.Writer, args []string) error {
	env, err := config.LoadEnvironment(".env")
	if err != nil {
		return err
	}
	console.SetupLogging(env.LogLevel)

	cfg, err := config.ParseBatchArguments(args)
	if err != nil {
		return err
	}
	src, _, err := config.ResolveAccounts(cfg)
	if err != nil {
		return err
	}

	records, err := state.Open(ctx, env, src)
	if err != nil {
		return err
	}
	defer records.Close()

	queues, err := queue.Open(ctx, env, src)
	if err != nil {
		return err
	}
	defer queues.Close()

	publisher := batch.NewPublisher(env, records, queues,
		batch.WithAccountsValidated(func() {
			fmt.Fprintln(out, "Storage Accounts Validated...")
		}),
		batch.WithProgress(func(done, total int) {
			progress.Inform(out, done, total, "Messages added to the queue")
		}),
	)

	result, err := publisher.Publish(ctx, cfg)
	if err != nil {
		return err
	}
	if result.Enqueued > 0 {
		fmt.Fprintln(out)
	}
	console.Success(out, "Batch id %s created and ready to be processed.", result.BatchID)
	fmt.Fprintf(out, "%d blobs (%s) queued on %s\n", result.Enqueued, progress.HumanSize(result.TotalBytes), result.QueueName)
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

	if !versionRequested(cmd) {
		console.Pause(cmd.OutOrStdout())
	}
	os.Exit(console.ExitCode(err))
}
