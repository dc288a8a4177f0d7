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
	"fmt"
	"log"
	"os"
	"time"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/broker"
	"github.com/blnkfinance/settle/internal/notification"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Settle represents the CLI application, encapsulating the root Cobra command.
type Settle struct {
	cmd *cobra.Command
}

// settleInstance holds the pipeline and the connections it was built from.
type settleInstance struct {
	settle   *settle.Settle
	cnf      *config.Configuration
	redis    *redis_db.Redis
	webhooks *settle.AsynqWebhooks
	// fatal receives the broker error once the reconnect budget is spent.
	fatal chan error
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the pipeline before running any command.
func preRun(app *settleInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		if err := setupSettle(app, cnf); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.cnf = cnf
		return nil
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// setupSettle connects the datasource and Redis and builds the broker manager.
// The broker itself is dialed later by the commands that need it.
func setupSettle(app *settleInstance, cfg *config.Configuration) error {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	rdb, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns})
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}

	app.fatal = make(chan error, 1)
	manager := broker.NewManager(cfg.Broker.URL, broker.Options{
		ReconnectBase:        seconds(cfg.Broker.ReconnectBaseSec),
		ReconnectCap:         seconds(cfg.Broker.ReconnectCapSec),
		MaxReconnectAttempts: cfg.Broker.MaxReconnectAttempts,
		OnFatal: func(err error) {
			notification.NotifyError(fmt.Errorf("broker unreachable, giving up: %w", err))
			select {
			case app.fatal <- err:
			default:
			}
		},
	})

	webhooks := settle.NewAsynqWebhooks(rdb.AsynqOpt(), cfg.Queue.WebhookQueue)
	s, err := settle.NewSettle(db, manager, rdb.Client(), settle.WithWebhooks(webhooks))
	if err != nil {
		return fmt.Errorf("error creating settle: %v", err)
	}

	app.settle = s
	app.redis = rdb
	app.webhooks = webhooks
	return nil
}

// close releases the connections opened by preRun.
func (app *settleInstance) close() {
	if app.settle != nil {
		app.settle.Manager().Close()
	}
	if app.webhooks != nil {
		_ = app.webhooks.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
}

// NewCLI creates the command-line interface for the settlement service.
func NewCLI() *Settle {
	var configFile string
	app := &settleInstance{}

	var rootCmd = &cobra.Command{
		Use:   "settle",
		Short: "Payment settlement pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./settle.json", "Configuration file for settle")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(dlqCommands(app))
	rootCmd.AddCommand(configCommands())

	return &Settle{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Settle) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
