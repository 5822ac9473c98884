package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Thang0611/server-sub000/internal/audit"
	"github.com/Thang0611/server-sub000/internal/bus"
	"github.com/Thang0611/server-sub000/internal/config"
	"github.com/Thang0611/server-sub000/internal/enroll"
	internal_http "github.com/Thang0611/server-sub000/internal/http"
	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/internal/queue"
	"github.com/Thang0611/server-sub000/internal/recovery"
	"github.com/Thang0611/server-sub000/internal/service"
	internal_storage "github.com/Thang0611/server-sub000/internal/storage"
	"github.com/Thang0611/server-sub000/internal/tracker"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fulfillment server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			app := buildApp(cfg)
			defer app.close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				if err := app.bridge.Run(ctx); err != nil && ctx.Err() == nil {
					log.GetLogger().Errorf("Progress bridge stopped: %v", err)
				}
			}()

			// re-drive whatever the previous process left behind
			go func() {
				summary, err := app.reconciler.Run(ctx, recovery.Options{BatchSize: cfg.Recovery.BatchSize})
				if err != nil {
					log.GetLogger().Errorf("Startup recovery pass failed: %v", err)
					return
				}
				log.GetLogger().Infof("Startup recovery: %d recovered, %d failed, %d skipped",
					summary.Recovered, summary.Failed, len(summary.Skipped))
			}()

			if err := app.server.Start(cfg.Server.Port); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one reconciliation pass and print the summary",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			app := buildApp(cfg)
			defer app.close()

			opts := recovery.Options{BatchSize: cfg.Recovery.BatchSize}
			if orderID, err := cmd.Flags().GetInt64("order"); err == nil && orderID > 0 {
				opts.OrderID = &orderID
			}
			if admin, _ := cmd.Flags().GetBool("admin"); admin {
				opts.AdminMode = true
			}
			summary, err := app.reconciler.Run(context.Background(), opts)
			if err != nil {
				log.GetLogger().Errorf("Recovery pass failed: %v", err)
				os.Exit(1)
			}
			app.recorder.Flush()
			printJSON(summary)
		},
	}
	recoverCmd.Flags().Int64("order", 0, "Restrict the pass to one order")
	recoverCmd.Flags().Bool("admin", false, "Include standalone/admin tasks")

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair tasks violating the completed-implies-result invariant",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			app := buildApp(cfg)
			defer app.close()

			n, err := app.svc.RepairInvariants(context.Background())
			if err != nil {
				log.GetLogger().Errorf("Repair pass failed: %v", err)
				os.Exit(1)
			}
			app.recorder.Flush()
			fmt.Fprintf(os.Stdout, "Repaired %d tasks\n", n)
		},
	}

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tasks",
	}
	tasksListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the tasks of an order",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.Database.URL)
			defer store.Close()

			orderID, err := cmd.Flags().GetInt64("order")
			if err != nil || orderID <= 0 {
				fmt.Fprintln(os.Stderr, "Error: --order is required")
				os.Exit(1)
			}
			tasks, err := store.ListTasksByOrder(orderID)
			if err != nil {
				log.GetLogger().Errorf("Failed to list tasks: %v", err)
				os.Exit(1)
			}
			if len(tasks) == 0 {
				fmt.Fprintf(os.Stdout, "No tasks found.\n")
				return
			}
			for _, t := range tasks {
				fmt.Fprintf(os.Stdout, "- ID: %d, Email: %s, Status: %s, Updated: %s\n",
					t.ID, t.Email, t.Status, t.UpdatedAt.Format(time.RFC3339))
			}
		},
	}
	tasksListCmd.Flags().Int64("order", 0, "Order ID")
	tasksCmd.AddCommand(tasksListCmd)

	rootCmd.AddCommand(serveCmd, recoverCmd, repairCmd, tasksCmd)
}

// app bundles the wired components of one process.
type app struct {
	store      *internal_storage.PostgresStore
	rdb        *redis.Client
	recorder   *audit.Recorder
	reconciler *recovery.Reconciler
	svc        *service.FulfillmentService
	bridge     *bus.Bridge
	server     *internal_http.Server
}

func buildApp(cfg *config.Config) *app {
	store := initStore(cfg.Database.URL)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	producer := queue.NewProducer(rdb, cfg.Queue.Key)
	recorder := audit.NewRecorder(store, audit.FileConfig{
		Path:       cfg.Audit.FilePath,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
	})
	publisher := bus.NewPublisher(rdb)
	hub := bus.NewHub()
	bridge := bus.NewBridge(rdb, hub)
	enroller := enroll.NewHTTPEnroller(cfg.Enrollment.BaseURL, cfg.EnrollmentTimeout())
	trackers := tracker.NewRegistry(store, cfg.TrackerPollInterval(), cfg.TrackerMaxDuration())

	svc := service.NewFulfillmentService(store, producer, enroller, recorder, publisher, trackers)
	reconciler := recovery.NewReconciler(store, producer, enroller, recorder, publisher, cfg.Recovery.MaxEnrollRetries)
	server := internal_http.NewServer(svc, reconciler, recorder, hub, cfg.Recovery.BatchSize)

	return &app{
		store:      store,
		rdb:        rdb,
		recorder:   recorder,
		reconciler: reconciler,
		svc:        svc,
		bridge:     bridge,
		server:     server,
	}
}

func (a *app) close() {
	if err := a.recorder.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close audit recorder: %v", err)
	}
	if err := a.rdb.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close redis client: %v", err)
	}
	if err := a.store.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close store: %v", err)
	}
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	return cfg
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, string(out))
}
