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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		log.Fatalf("Error printing result: %v\n", err)
	}
	fmt.Println(string(data))
}

// connected dials the broker before an operator command runs.
func connected(app *settleInstance) context.Context {
	ctx := context.Background()
	if err := app.settle.Manager().Init(ctx); err != nil {
		log.Fatalf("could not connect to broker: %v", err)
	}
	return ctx
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// dlqCommands groups the operator commands for dead-letter queues. They call
// the same DLQ manager as the admin API.
func dlqCommands(app *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "inspect and replay dead-lettered messages",
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "show broker health and dead-letter queue depths",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := connected(app)
			status, err := app.settle.DLQ().Status(ctx)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(status)
		},
	})

	var limit int
	inspect := &cobra.Command{
		Use:   "inspect <dlq>",
		Short: "peek at messages without removing them",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := connected(app)
			messages, err := app.settle.DLQ().InspectDLQ(ctx, args[0], limit)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(messages)
		},
	}
	inspect.Flags().IntVar(&limit, "limit", 10, "number of messages to show")
	cmd.AddCommand(inspect)

	var count int
	retry := &cobra.Command{
		Use:   "retry <dlq>",
		Short: "move messages back to their source queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := connected(app)
			retried, err := app.settle.DLQ().RetryMessage(ctx, args[0], count)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("Retried %d messages from %s\n", retried, args[0])
		},
	}
	retry.Flags().IntVar(&count, "count", 1, "number of messages to retry")
	cmd.AddCommand(retry)

	var maxRetries int
	autoRetry := &cobra.Command{
		Use:   "auto-retry <dlq>",
		Short: "replay messages that have not reached the replay ceiling",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := connected(app)
			result, err := app.settle.DLQ().AutoRetryWithBackoff(ctx, args[0], maxRetries)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(result)
		},
	}
	autoRetry.Flags().IntVar(&maxRetries, "max-retries", 3, "skip messages replayed this many times")
	cmd.AddCommand(autoRetry)

	var yes bool
	purge := &cobra.Command{
		Use:   "purge <dlq>",
		Short: "drop every message in a dead-letter queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !yes && !confirm(fmt.Sprintf("Purge every message in %s?", args[0])) {
				fmt.Println("Aborted")
				return
			}
			ctx := connected(app)
			purged, err := app.settle.DLQ().PurgeDLQ(ctx, args[0])
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("Purged %d messages from %s\n", purged, args[0])
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	cmd.AddCommand(purge)

	return cmd
}
