package database

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/config"
)

func resetConnection() {
	instance = nil
	once = sync.Once{}
}

func TestGetDBConnection_FailureIsSticky(t *testing.T) {
	resetConnection()
	t.Cleanup(resetConnection)

	cfg := &config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "invalid-dns"},
	}

	_, err := GetDBConnection(cfg)
	require.Error(t, err)

	ds, err := GetDBConnection(cfg)
	assert.ErrorIs(t, err, errConnectionNotInitialized)
	assert.Nil(t, ds)
}

func TestConnectDB_Unreachable(t *testing.T) {
	db, err := ConnectDB(config.DataSourceConfig{
		Dns:             "postgres://reviewpipe@127.0.0.1:1/reviewpipe?sslmode=disable&connect_timeout=1",
		MaxOpenConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	assert.ErrorContains(t, err, "ping datasource")
	assert.Nil(t, db)
}
