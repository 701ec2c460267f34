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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reviewpipe/reviewpipe"
	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/database"
	"github.com/reviewpipe/reviewpipe/internal/notification"
)

// ReviewPipe is the CLI application, wrapping the root cobra command.
type ReviewPipe struct {
	cmd *cobra.Command
}

// reviewPipeInstance holds what every command needs at runtime.
type reviewPipeInstance struct {
	rp  *reviewpipe.ReviewPipe
	cnf *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the pipeline before any command
// runs.
func preRun(app *reviewPipeInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		// migrate and config need no pipeline.
		if cmd.Name() == "up" || cmd.Name() == "down" || cmd.Name() == "config" {
			app.cnf = cnf
			return nil
		}

		rp, err := setupReviewPipe(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.rp = rp
		app.cnf = cnf
		return nil
	}
}

func setupReviewPipe(cfg *config.Configuration) (*reviewpipe.ReviewPipe, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	rp, err := reviewpipe.NewReviewPipe(db)
	if err != nil {
		return nil, fmt.Errorf("error creating review pipeline: %v", err)
	}
	return rp, nil
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *ReviewPipe {
	var configFile string
	app := &reviewPipeInstance{}

	var rootCmd = &cobra.Command{
		Use:   "reviewpipe",
		Short: "Automated pull request review pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./reviewpipe.json", "Configuration file for reviewpipe")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(relayCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &ReviewPipe{cmd: rootCmd}
}

func (w ReviewPipe) executeCLI() {
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
