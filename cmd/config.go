package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/reviewpipe/reviewpipe/config"
)

const redacted = "********"

// redact blanks credentials so the output can be pasted into an issue.
func redact(cfg config.Configuration) config.Configuration {
	if cfg.Server.SecretKey != "" {
		cfg.Server.SecretKey = redacted
	}
	if cfg.Platform.GitHub.Token != "" {
		cfg.Platform.GitHub.Token = redacted
	}
	if cfg.Platform.GitHub.WebhookSecret != "" {
		cfg.Platform.GitHub.WebhookSecret = redacted
	}
	if cfg.Notification.Slack.WebhookUrl != "" {
		cfg.Notification.Slack.WebhookUrl = redacted
	}
	cfg.DataSource.Dns = redacted
	cfg.Redis.Dns = redacted
	return cfg
}

func configCommands(app *reviewPipeInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			if app.cnf == nil {
				log.Fatal("Error getting config: not loaded")
			}

			data, err := json.MarshalIndent(redact(*app.cnf), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
