package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/internal/apierror"
	"github.com/reviewpipe/reviewpipe/model"
)

// InsertStageLog writes a stage row. For IN_PROGRESS rows the insert is a no-op
// when an open row for the same (execution, stage) already exists; the boolean
// reports whether a row was written.
func (d Datasource) InsertStageLog(ctx context.Context, log *model.StageExecutionLog) (bool, error) {
	ctx, span := otel.Tracer("StageLog").Start(ctx, "Saving stage execution log to db")
	defer span.End()

	if log.LogID == "" {
		log.LogID = model.NewID(model.PrefixStageLog)
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	metaDataJSON, err := json.Marshal(log.MetaData)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal metadata", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO reviewpipe.stage_execution_logs (
			log_id, execution_id, stage_name, status, message, meta_data, created_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id, stage_name) WHERE status = 'IN_PROGRESS' DO NOTHING
	`, log.LogID, log.ExecutionID, log.StageName, log.Status, log.Message, metaDataJSON, log.CreatedAt, log.FinishedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert stage execution log", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return rows > 0, nil
}

// FindInProgressStageLog returns the most recent open row for the stage, or nil.
func (d Datasource) FindInProgressStageLog(ctx context.Context, executionID, stageName string) (*model.StageExecutionLog, error) {
	ctx, span := otel.Tracer("StageLog").Start(ctx, "Fetching in-progress stage log from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT log_id, execution_id, stage_name, status, COALESCE(message, ''), meta_data, created_at, finished_at
		FROM reviewpipe.stage_execution_logs
		WHERE execution_id = $1 AND stage_name = $2 AND status = 'IN_PROGRESS'
		ORDER BY created_at DESC
		LIMIT 1
	`, executionID, stageName)

	log, err := scanStageLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stage execution log", err)
	}
	return log, nil
}

// UpdateStageLog closes an open row. It reports false when the row was no
// longer IN_PROGRESS, which happens when another writer closed it first.
func (d Datasource) UpdateStageLog(ctx context.Context, log *model.StageExecutionLog) (bool, error) {
	ctx, span := otel.Tracer("StageLog").Start(ctx, "Updating stage execution log")
	defer span.End()

	metaDataJSON, err := json.Marshal(log.MetaData)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal metadata", err)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reviewpipe.stage_execution_logs
		SET status = $2, message = $3, meta_data = $4, finished_at = $5
		WHERE log_id = $1 AND status = 'IN_PROGRESS'
	`, log.LogID, log.Status, log.Message, metaDataJSON, log.FinishedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update stage execution log", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return rows > 0, nil
}

func (d Datasource) ListStageLogs(ctx context.Context, executionID string) ([]model.StageExecutionLog, error) {
	ctx, span := otel.Tracer("StageLog").Start(ctx, "Listing stage execution logs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT log_id, execution_id, stage_name, status, COALESCE(message, ''), meta_data, created_at, finished_at
		FROM reviewpipe.stage_execution_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC, id ASC
	`, executionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stage execution logs", err)
	}
	defer rows.Close()

	logs := []model.StageExecutionLog{}
	for rows.Next() {
		log, err := scanStageLog(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan stage execution log", err)
		}
		logs = append(logs, *log)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over stage logs", err)
	}
	return logs, nil
}

func scanStageLog(row rowScanner) (*model.StageExecutionLog, error) {
	log := model.StageExecutionLog{}
	var metaDataJSON []byte
	var finishedAt sql.NullTime

	err := row.Scan(&log.LogID, &log.ExecutionID, &log.StageName, &log.Status, &log.Message, &metaDataJSON, &log.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &log.MetaData); err != nil {
			return nil, err
		}
	}
	if finishedAt.Valid {
		log.FinishedAt = &finishedAt.Time
	}
	return &log, nil
}
