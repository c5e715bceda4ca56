package main

import (
	"bytes"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"portalbridge/internal/core/run"
	"portalbridge/internal/platform/tasks"
	"portalbridge/internal/server"
	"portalbridge/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP trigger API and the run worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := openRuntime(ctx, cfg, needs{browser: true, redis: true})
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.log.LogInfof("starting at %s (env=%s)", cfg.HTTPAddr, cfg.AppEnv)

		// Asynq client and server
		taskClient := tasks.New(rt.redis)
		defer taskClient.Close()
		svc := run.NewService(rt.engine, taskClient, cfg.TaskMaxRetries)

		asynqServer := asynq.NewServer(rt.redis.AsynqRedisOpt(), asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues:      map[string]int{tasks.QueueRuns: 1},
		})
		mux := worker.NewMux()
		mux.HandleFunc(tasks.TaskTypeExtraction, svc.HandleRunTask)
		mux.HandleFunc(tasks.TaskTypeSubmission, svc.HandleRunTask)
		mux.HandleFunc(tasks.TaskTypeResume, svc.HandleRunTask)
		if err := asynqServer.Start(mux.Mux()); err != nil {
			return err
		}

		app := fiber.New(fiber.Config{
			AppName: "portalbridge",
			JSONEncoder: func(v interface{}) ([]byte, error) {
				var buf bytes.Buffer
				encoder := json.NewEncoder(&buf)
				encoder.SetEscapeHTML(false)
				if err := encoder.Encode(v); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			},
		})
		// Serve saved artifacts from DATA_DIR under /files
		app.Static("/files", cfg.DataDir)

		healthHandler := server.RegisterRoutes(app, server.Dependencies{
			Runs:  svc,
			Store: rt.store,
			Redis: rt.redis,
		})
		healthHandler.SetReady()

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			rt.log.LogInfo("Shutting down...")
			asynqServer.Shutdown()
			_ = app.ShutdownWithTimeout(5 * time.Second)
		}()

		return app.Listen(cfg.HTTPAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
