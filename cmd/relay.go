/*
Copyright 2024 The Reviewpipe Authors.

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
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reviewpipe/reviewpipe"
)

// relayCommands runs the outbox relay on its own, for deployments that start
// the API with --without-relay.
func relayCommands(app *reviewPipeInstance) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "publish pending outbox messages to the queue",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				n, err := app.rp.RelayOutbox(ctx)
				if err != nil {
					log.Fatalf("relay pass failed: %v", err)
				}
				fmt.Printf("Dispatched %d outbox messages\n", n)
				return
			}

			relay := reviewpipe.NewOutboxRelay(app.rp)
			relay.Start(ctx)
			<-ctx.Done()
			relay.Stop()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single relay pass and exit")
	return cmd
}
