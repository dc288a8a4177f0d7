/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/worker"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeWorkerServer builds the asynq server that delivers outbound webhooks.
func initializeWorkerServer(app *settleInstance) *asynq.Server {
	return asynq.NewServer(
		app.redis.AsynqOpt(),
		asynq.Config{
			Concurrency: 1,
			Queues:      map[string]int{app.cnf.Queue.WebhookQueue: 1},
		},
	)
}

func initializeTaskHandlers(cfg *config.Configuration, mux *asynq.ServeMux) {
	mux.HandleFunc(cfg.Queue.WebhookQueue, settle.ProcessWebhook)
}

// startMonitoring serves asynqmon under /monitoring on the monitoring port.
func startMonitoring(app *settleInstance) *http.Server {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: app.redis.AsynqOpt(),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", app.cnf.Queue.MonitoringPort),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Asynqmon server listening on %s/monitoring", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("could not start asynqmon server: %v", err)
		}
	}()
	return srv
}

func startWorkers(ctx context.Context, s *settle.Settle) ([]*worker.Worker, error) {
	workers := []*worker.Worker{s.NewPaymentWorker(), s.NewMailWorker(), s.NewNotificationWorker()}
	for i, w := range workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range workers[:i] {
				started.Stop()
			}
			return nil, fmt.Errorf("start %s: %w", w.Name(), err)
		}
		logrus.Infof("worker %s consuming %s", w.Name(), w.Queue())
	}
	return workers, nil
}

// workerCommands defines the "workers" command. It runs the payment, mail and
// notification consumers, the reconciliation sweeper when enabled, and the
// webhook delivery worker, until interrupted or the broker is lost for good.
func workerCommands(app *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start settle workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer app.close()

			shutdown, err := initializeObservability(ctx, app.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			if err := app.settle.Setup(ctx); err != nil {
				log.Fatalf("could not connect to broker: %v", err)
			}

			workers, err := startWorkers(ctx, app.settle)
			if err != nil {
				log.Fatal(err)
			}

			var sweeper *settle.ReconciliationSweeper
			if app.cnf.Reconciliation.Enabled {
				sweeper = settle.NewReconciliationSweeper(app.settle)
				sweeper.Start(ctx)
			}

			srv := initializeWorkerServer(app)
			mux := asynq.NewServeMux()
			initializeTaskHandlers(app.cnf, mux)
			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run webhook worker: %v", err)
			}

			monitor := startMonitoring(app)

			exitCode := 0
			select {
			case <-ctx.Done():
				logrus.Info("shutting down workers")
			case err := <-app.fatal:
				logrus.Errorf("broker lost: %v", err)
				exitCode = 1
			}

			for _, w := range workers {
				w.Stop()
			}
			if sweeper != nil {
				sweeper.Stop()
			}
			srv.Shutdown()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Shutdown(shutdownCtx)

			if exitCode != 0 {
				app.close()
				os.Exit(exitCode)
			}
		},
	}

	return cmd
}
