package database

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/reviewpipe/reviewpipe/config"
)

var (
	instance *Datasource
	once     sync.Once
)

// Datasource is the postgres backed implementation of IDataSource.
type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	return GetDBConnection(configuration)
}

// GetDBConnection returns the process wide datasource, opening it on first use.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		conn, connErr := ConnectDB(configuration.DataSource)
		if connErr != nil {
			err = connErr
			return
		}
		instance = &Datasource{Conn: conn}
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, errConnectionNotInitialized
	}
	return instance, nil
}

// ConnectDB opens the pool and checks it is reachable. Tables come from the
// embedded migrations (`reviewpipe migrate up`).
func ConnectDB(cfg config.DataSourceConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Dns)
	if err != nil {
		return nil, fmt.Errorf("open datasource: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		logrus.WithError(err).Error("database connection failed")
		_ = db.Close()
		return nil, fmt.Errorf("ping datasource: %w", err)
	}
	return db, nil
}
