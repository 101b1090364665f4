package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/reporthub/reporthub/internal/blob"
	internal_http "github.com/reporthub/reporthub/internal/http"
	"github.com/reporthub/reporthub/internal/log"
	"github.com/reporthub/reporthub/internal/queue"
	"github.com/reporthub/reporthub/internal/settings"
	internal_storage "github.com/reporthub/reporthub/internal/storage"
	"github.com/reporthub/reporthub/internal/transport"
	"github.com/reporthub/reporthub/pkg/engine"
)

func SetupCLI(rootCmd *cobra.Command) {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline worker (translate, batch, send)",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, store := initEngine(ctx, cmd)
			defer store.Close()

			workers, err := cmd.Flags().GetInt("workers")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving workers flag: %v", err)
				os.Exit(1)
			}
			port, err := cmd.Flags().GetString("port")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving port flag: %v", err)
				os.Exit(1)
			}
			withDecider, err := cmd.Flags().GetBool("with-decider")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving with-decider flag: %v", err)
				os.Exit(1)
			}

			logger := log.GetLogger()
			translator := engine.NewRoutingTranslator(eng.Settings())
			transports := engine.TransportRegistry{
				transport.Kind: transport.NewSFTP(logger),
			}
			w := engine.NewWorker(
				eng.Queue(),
				engine.NewTranslateExecutor(eng, translator, logger),
				engine.NewBatchExecutor(eng, logger),
				engine.NewSendExecutor(eng, transports, logger),
				logger,
			)

			go func() {
				if err := internal_http.StartAdminServer(port, store); err != nil {
					logger.Errorf("Admin server stopped: %v", err)
				}
			}()
			if withDecider {
				interval := deciderInterval(cmd)
				go engine.NewBatchDecider(eng, interval, logger).Run(ctx)
			}

			w.Start(ctx, workers)
			w.Wait()
			logger.Infof("Worker stopped")
		},
	}
	workerCmd.Flags().Int("workers", 0, "Number of worker goroutines (0 = one per CPU)")
	workerCmd.Flags().String("port", "8080", "Admin server port")
	workerCmd.Flags().Bool("with-decider", false, "Run the batch decider in this process")
	workerCmd.Flags().Duration("decider-interval", engine.DefaultDeciderInterval, "Batch decider tick interval")
	addEngineFlags(workerCmd)

	deciderCmd := &cobra.Command{
		Use:   "decider",
		Short: "Run the batch decider",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, store := initEngine(ctx, cmd)
			defer store.Close()

			engine.NewBatchDecider(eng, deciderInterval(cmd), log.GetLogger()).Run(ctx)
			log.GetLogger().Infof("Decider stopped")
		},
	}
	deciderCmd.Flags().Duration("decider-interval", engine.DefaultDeciderInterval, "Batch decider tick interval")
	addEngineFlags(deciderCmd)

	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and operate on report tasks",
	}

	showCmd := &cobra.Command{
		Use:   "show [report-id]",
		Short: "Show the current state of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()

			task, err := store.FetchTask(parseReportID(args[0]))
			if err != nil {
				log.GetLogger().Errorf("Failed to fetch task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to fetch task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Report: %s\n", task.ReportID)
			fmt.Fprintf(os.Stdout, "Receiver: %s\n", task.ReceiverName)
			fmt.Fprintf(os.Stdout, "Schema: %s\n", task.SchemaName)
			fmt.Fprintf(os.Stdout, "Items: %d, Format: %s\n", task.ItemCount, task.BodyFormat)
			fmt.Fprintf(os.Stdout, "Body: %s\n", task.BodyURL)
			fmt.Fprintf(os.Stdout, "Next action: %s\n", task.NextAction)
			if task.NextActionAt != nil {
				fmt.Fprintf(os.Stdout, "Scheduled: %s\n", task.NextActionAt.Format(time.RFC3339))
			}
			if task.RetryToken != nil {
				fmt.Fprintf(os.Stdout, "Retry token: %s\n", *task.RetryToken)
			}
			lineages, err := store.FetchItemLineages(task.ReportID)
			if err != nil {
				log.GetLogger().Errorf("Failed to fetch item lineage: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to fetch item lineage: %v\n", err)
				os.Exit(1)
			}
			for _, l := range lineages {
				fmt.Fprintf(os.Stdout, "Item %d: from %s[%d]\n", l.ChildIndex, l.ParentReportID, l.ParentIndex)
			}
		},
	}
	showCmd.Flags().String("db", "", "Database connection string")

	resendCmd := &cobra.Command{
		Use:   "resend [report-id]",
		Short: "Re-queue a failed or pending send",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			receiver, err := cmd.Flags().GetString("receiver")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving receiver flag: %v", err)
				os.Exit(1)
			}
			if receiver == "" {
				fmt.Fprintln(os.Stderr, "Error: --receiver is required")
				os.Exit(1)
			}

			ctx := context.Background()
			eng, store := initEngine(ctx, cmd)
			defer store.Close()

			id := parseReportID(args[0])
			if err := eng.Resend(ctx, id, receiver); err != nil {
				log.GetLogger().Errorf("Failed to resend report %s: %v", id, err)
				fmt.Fprintf(os.Stderr, "Error: failed to resend report: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Re-queued report %s for %s\n", id, receiver)
		},
	}
	resendCmd.Flags().String("receiver", "", "Full receiver name (org.receiver) the task belongs to")
	addEngineFlags(resendCmd)

	wipeCmd := &cobra.Command{
		Use:   "wipe [report-id]",
		Short: "Delete a finished report's body from blob storage",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			eng, store := initEngine(ctx, cmd)
			defer store.Close()

			id := parseReportID(args[0])
			if err := eng.Wipe(ctx, id); err != nil {
				log.GetLogger().Errorf("Failed to wipe report %s: %v", id, err)
				fmt.Fprintf(os.Stderr, "Error: failed to wipe report: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Wiped report %s\n", id)
		},
	}
	addEngineFlags(wipeCmd)

	taskCmd.AddCommand(showCmd, resendCmd, wipeCmd)
	rootCmd.AddCommand(workerCmd, deciderCmd, taskCmd)
}

func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "", "Database connection string")
	cmd.Flags().String("queue-url", "", "SQS queue URL (defaults to QUEUE_URL)")
	cmd.Flags().String("bucket", "", "S3 bucket for report bodies (defaults to BLOB_BUCKET)")
	cmd.Flags().String("settings", "settings.yml", "Path to the organization settings file")
}

func initEngine(ctx context.Context, cmd *cobra.Command) (*engine.Engine, *internal_storage.PostgresStore) {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found or failed to load: %v", err)
	}

	store := initStore(cmd)

	queueURL := flagOrEnv(cmd, "queue-url", "QUEUE_URL")
	bucket := flagOrEnv(cmd, "bucket", "BLOB_BUCKET")
	if queueURL == "" || bucket == "" {
		fmt.Fprintln(os.Stderr, "Error: queue URL and bucket are required (--queue-url/--bucket or QUEUE_URL/BLOB_BUCKET)")
		os.Exit(1)
	}
	settingsPath, err := cmd.Flags().GetString("settings")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving settings flag: %v", err)
		os.Exit(1)
	}

	provider, err := settings.Load(settingsPath)
	if err != nil {
		log.GetLogger().Errorf("Failed to load settings from %s: %v", settingsPath, err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.GetLogger().Errorf("Failed to load AWS config: %v", err)
		os.Exit(1)
	}

	eng := engine.New(
		store,
		blob.New(s3.NewFromConfig(awsCfg), bucket),
		queue.New(sqs.NewFromConfig(awsCfg), queueURL),
		provider,
		engine.NewDefaultSerializer(),
		log.GetLogger(),
	)
	return eng, store
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		dbConnStr = os.Getenv("DATABASE_URL")
	}
	if dbConnStr == "" {
		fmt.Fprintln(os.Stderr, "Error: database connection string is required (--db or DATABASE_URL)")
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func deciderInterval(cmd *cobra.Command) time.Duration {
	interval, err := cmd.Flags().GetDuration("decider-interval")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving decider-interval flag: %v", err)
		os.Exit(1)
	}
	return interval
}

func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	v, err := cmd.Flags().GetString(flag)
	if err != nil {
		log.GetLogger().Errorf("Error retrieving %s flag: %v", flag, err)
		os.Exit(1)
	}
	if v == "" {
		v = os.Getenv(env)
	}
	return v
}

func parseReportID(arg string) uuid.UUID {
	id, err := uuid.Parse(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid report ID %q: %v\n", arg, err)
		os.Exit(1)
	}
	return id
}
