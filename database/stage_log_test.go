package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/reviewpipe/reviewpipe/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stageLogColumns = []string{"log_id", "execution_id", "stage_name", "status", "message", "meta_data", "created_at", "finished_at"}

func TestInsertStageLog_InProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	log := &model.StageExecutionLog{
		ExecutionID: "exec_1",
		StageName:   "fetch_changed_files",
		Status:      model.StageInProgress,
		MetaData:    map[string]interface{}{"visibility": "primary"},
	}

	mock.ExpectExec("INSERT INTO reviewpipe.stage_execution_logs").
		WithArgs(sqlmock.AnyArg(), "exec_1", "fetch_changed_files", model.StageInProgress, "",
			[]byte(`{"visibility":"primary"}`), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := ds.InsertStageLog(context.Background(), log)
	assert.NoError(t, err)
	assert.True(t, inserted)
	assert.Contains(t, log.LogID, "stg_")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertStageLog_OpenRowExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec(`ON CONFLICT \(execution_id, stage_name\) WHERE status = 'IN_PROGRESS' DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := ds.InsertStageLog(context.Background(), &model.StageExecutionLog{
		ExecutionID: "exec_1", StageName: "analyze_files", Status: model.StageInProgress,
	})
	assert.NoError(t, err)
	assert.False(t, inserted)
}

func TestInsertStageLog_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("INSERT INTO reviewpipe.stage_execution_logs").WillReturnError(fmt.Errorf("connection reset"))

	_, err = ds.InsertStageLog(context.Background(), &model.StageExecutionLog{ExecutionID: "exec_1", StageName: "s"})
	assert.Error(t, err)
}

func TestFindInProgressStageLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectQuery("SELECT log_id, execution_id, stage_name").
		WithArgs("exec_1", "analyze_files").
		WillReturnRows(sqlmock.NewRows(stageLogColumns).
			AddRow("stg_1", "exec_1", "analyze_files", "IN_PROGRESS", "", []byte(`{"visibility":"secondary"}`), now, nil))

	log, err := ds.FindInProgressStageLog(context.Background(), "exec_1", "analyze_files")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, "stg_1", log.LogID)
	assert.Equal(t, model.StageInProgress, log.Status)
	assert.Equal(t, "secondary", log.MetaData["visibility"])
}

func TestFindInProgressStageLog_None(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT log_id, execution_id, stage_name").
		WithArgs("exec_1", "analyze_files").
		WillReturnRows(sqlmock.NewRows(stageLogColumns))

	log, err := ds.FindInProgressStageLog(context.Background(), "exec_1", "analyze_files")
	assert.NoError(t, err)
	assert.Nil(t, log)
}

func TestUpdateStageLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	finished := time.Now()
	log := &model.StageExecutionLog{
		LogID:      "stg_1",
		Status:     model.StageSuccess,
		Message:    "analyze_files finished",
		MetaData:   map[string]interface{}{"visibility": "secondary"},
		FinishedAt: &finished,
	}

	mock.ExpectExec(`UPDATE reviewpipe.stage_execution_logs.*WHERE log_id = \$1 AND status = 'IN_PROGRESS'`).
		WithArgs("stg_1", model.StageSuccess, "analyze_files finished", []byte(`{"visibility":"secondary"}`), finished).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := ds.UpdateStageLog(context.Background(), log)
	assert.NoError(t, err)
	assert.True(t, updated)

	mock.ExpectExec("UPDATE reviewpipe.stage_execution_logs").WillReturnResult(sqlmock.NewResult(0, 0))
	updated, err = ds.UpdateStageLog(context.Background(), log)
	assert.NoError(t, err)
	assert.False(t, updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStageLogs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectQuery("SELECT log_id, execution_id, stage_name").
		WithArgs("exec_1").
		WillReturnRows(sqlmock.NewRows(stageLogColumns).
			AddRow("stg_1", "exec_1", "validate_config", "SUCCESS", "validate_config finished", nil, now, now).
			AddRow("stg_2", "exec_1", "analyze_files", "ERROR", "analyze_files failed", []byte(`{"error":"boom"}`), now, now))

	logs, err := ds.ListStageLogs(context.Background(), "exec_1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.StageSuccess, logs[0].Status)
	assert.NotNil(t, logs[0].FinishedAt)
	assert.Equal(t, "boom", logs[1].MetaData["error"])
}
