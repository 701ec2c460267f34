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

/*
Package main provides the CLI commands for applying and rolling back the
reviewpipe database migrations.
*/

package main

import (
	"database/sql"
	"fmt"
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/reviewpipe/reviewpipe"
	"github.com/reviewpipe/reviewpipe/database"
)

const migrationSchema = "reviewpipe"

func migrateCommands(app *reviewPipeInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run reviewpipe migrations",
	}

	cmd.AddCommand(migrateUpCommands(app))
	cmd.AddCommand(migrateDownCommands(app))

	return cmd
}

// openMigrationDB connects and makes sure the schema holding the migration
// table exists.
func openMigrationDB(app *reviewPipeInstance) (*sql.DB, error) {
	db, err := database.ConnectDB(app.cnf.DataSource)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}
	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + migrationSchema); err != nil {
		return nil, fmt.Errorf("error creating schema: %v", err)
	}
	migrate.SetSchema(migrationSchema)
	return db, nil
}

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: reviewpipe.SQLFiles,
		Root:       "sql",
	}
}

func migrateUpCommands(app *reviewPipeInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use: "up",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := openMigrationDB(app)
			if err != nil {
				log.Printf("%v", err)
				return
			}
			defer db.Close()

			n, err := migrate.Exec(db, "postgres", migrationSource(), migrate.Up)
			if err != nil {
				log.Printf("Error migrating up: %v", err)
			} else {
				fmt.Printf("Applied %d migrations!\n", n)
			}
		},
	}

	return cmd
}

func migrateDownCommands(app *reviewPipeInstance) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use: "down",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := openMigrationDB(app)
			if err != nil {
				log.Printf("%v", err)
				return
			}
			defer db.Close()

			n, err := migrate.ExecMax(db, "postgres", migrationSource(), migrate.Down, steps)
			if err != nil {
				log.Printf("Error migrating down: %v", err)
			} else {
				fmt.Printf("Rolled back %d migrations!\n", n)
			}
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back, 0 for all")
	return cmd
}
