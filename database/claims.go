package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/internal/apierror"
	"github.com/reviewpipe/reviewpipe/model"
)

// ClaimJob atomically takes the claim for key. A new key is inserted as
// claimed; an existing key is only taken over when it was released as
// available or its lease ran out. When the claim is not acquired the current
// holder's claim is returned with false.
func (d Datasource) ClaimJob(ctx context.Context, key, jobID, owner string, lease time.Duration) (*model.JobClaim, bool, error) {
	ctx, span := otel.Tracer("Claims").Start(ctx, "Claiming job")
	defer span.End()

	now := time.Now()
	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO reviewpipe.job_claims (claim_key, job_id, owner, status, attempts, lease_until, updated_at)
		VALUES ($1, $2, $3, 'claimed', 1, $4, $5)
		ON CONFLICT (claim_key) DO UPDATE
		SET owner = EXCLUDED.owner,
			status = 'claimed',
			attempts = reviewpipe.job_claims.attempts + 1,
			lease_until = EXCLUDED.lease_until,
			updated_at = EXCLUDED.updated_at
		WHERE reviewpipe.job_claims.status = 'available'
			OR (reviewpipe.job_claims.status = 'claimed' AND reviewpipe.job_claims.lease_until < $5)
		RETURNING claim_key, job_id, COALESCE(owner, ''), status, attempts, lease_until, COALESCE(last_error, ''), updated_at
	`, key, jobID, owner, now.Add(lease), now)

	claim, err := scanClaim(row)
	if err == nil {
		return claim, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim job", err)
	}

	current, err := scanClaim(d.Conn.QueryRowContext(ctx, `
		SELECT claim_key, job_id, COALESCE(owner, ''), status, attempts, lease_until, COALESCE(last_error, ''), updated_at
		FROM reviewpipe.job_claims
		WHERE claim_key = $1
	`, key))
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read job claim", err)
	}
	return current, false, nil
}

// ReleaseClaim moves a held claim to status. Only the owner may release it.
func (d Datasource) ReleaseClaim(ctx context.Context, key, owner string, status model.ClaimStatus, lastError string) error {
	ctx, span := otel.Tracer("Claims").Start(ctx, "Releasing job claim")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reviewpipe.job_claims
		SET status = $3, last_error = $4, updated_at = $5
		WHERE claim_key = $1 AND owner = $2 AND status = 'claimed'
	`, key, owner, status, lastError, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release job claim", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("claim %s is not held by %s", key, owner), nil)
	}
	return nil
}

func scanClaim(row rowScanner) (*model.JobClaim, error) {
	claim := model.JobClaim{}
	err := row.Scan(&claim.ClaimKey, &claim.JobID, &claim.Owner, &claim.Status, &claim.Attempts,
		&claim.LeaseUntil, &claim.LastError, &claim.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &claim, nil
}
