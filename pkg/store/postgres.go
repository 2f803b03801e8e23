// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/abcxyz/pkg/logging"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
)

// Postgres is the production Store, backed by a single lib/pq connection
// pool shared across all sub-repositories.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open creates a new Postgres-backed Store. dsn is a standard
// postgres:// connection string.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Postgres{db: db, logger: logging.FromContext(ctx)}, nil
}

func (p *Postgres) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close postgres connection: %w", err)
	}
	return nil
}

func (p *Postgres) OAuthConnections() OAuthConnections           { return &pgOAuthConnections{p} }
func (p *Postgres) OAuthStates() OAuthStates                     { return &pgOAuthStates{p} }
func (p *Postgres) WebhookDeliveries() WebhookDeliveries         { return &pgWebhookDeliveries{p} }
func (p *Postgres) RepositoryConnections() RepositoryConnections { return &pgRepositoryConnections{p} }
func (p *Postgres) WorkflowRuns() WorkflowRuns                   { return &pgWorkflowRuns{p} }
func (p *Postgres) Incidents() Incidents                         { return &pgIncidents{p} }
func (p *Postgres) PullRequestRecords() PullRequestRecords       { return &pgPullRequestRecords{p} }

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w", errs.ErrNotFound)
	}
	return fmt.Errorf("postgres query failed: %w", err)
}

type pgOAuthConnections struct{ p *Postgres }

func (r *pgOAuthConnections) Upsert(ctx context.Context, conn *models.OAuthConnection) (*models.OAuthConnection, error) {
	const q = `
		UPDATE oauth_connections SET revoked = true, updated_at = now()
		WHERE user_id = $1 AND provider = $2 AND revoked = false`
	if _, err := r.p.db.ExecContext(ctx, q, conn.UserID, conn.Provider); err != nil {
		return nil, fmt.Errorf("failed to revoke prior oauth connections: %w", err)
	}

	const insert = `
		INSERT INTO oauth_connections
			(id, user_id, provider, encrypted_access_token, encrypted_refresh, scopes,
			 expires_at, provider_user_id, revoked, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, false, now(), now())
		RETURNING id, created_at, updated_at`

	out := *conn
	row := r.p.db.QueryRowxContext(ctx, insert,
		conn.UserID, conn.Provider, conn.EncryptedAccessToken, conn.EncryptedRefresh,
		pqStringArray(conn.Scopes), conn.ExpiresAt, conn.ProviderUserID)
	if err := row.Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert oauth connection: %w", err)
	}
	return &out, nil
}

func (r *pgOAuthConnections) GetActive(ctx context.Context, userID string, provider models.Provider) (*models.OAuthConnection, error) {
	const q = `
		SELECT id, user_id, provider, encrypted_access_token, encrypted_refresh, scopes,
		       expires_at, provider_user_id, revoked, created_at, updated_at
		FROM oauth_connections
		WHERE user_id = $1 AND provider = $2 AND revoked = false
		ORDER BY created_at DESC LIMIT 1`
	var row oauthConnectionRow
	if err := r.p.db.GetContext(ctx, &row, q, userID, provider); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (r *pgOAuthConnections) Get(ctx context.Context, id string) (*models.OAuthConnection, error) {
	const q = `
		SELECT id, user_id, provider, encrypted_access_token, encrypted_refresh, scopes,
		       expires_at, provider_user_id, revoked, created_at, updated_at
		FROM oauth_connections WHERE id = $1`
	var row oauthConnectionRow
	if err := r.p.db.GetContext(ctx, &row, q, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (r *pgOAuthConnections) MarkRevoked(ctx context.Context, id string) error {
	res, err := r.p.db.ExecContext(ctx, `UPDATE oauth_connections SET revoked = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark oauth connection revoked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oauth connection %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *pgOAuthConnections) UpdateTokens(ctx context.Context, id string, encryptedAccess, encryptedRefresh []byte, expiresAt *time.Time) error {
	const q = `
		UPDATE oauth_connections
		SET encrypted_access_token = $2, encrypted_refresh = $3, expires_at = $4, updated_at = now()
		WHERE id = $1`
	res, err := r.p.db.ExecContext(ctx, q, id, encryptedAccess, encryptedRefresh, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update oauth connection tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oauth connection %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

// oauthConnectionRow mirrors the oauth_connections table; pq represents
// text[] columns as pq.StringArray, which we decode via pqStringArray.
type oauthConnectionRow struct {
	ID                   string         `db:"id"`
	UserID               string         `db:"user_id"`
	Provider             string         `db:"provider"`
	EncryptedAccessToken []byte         `db:"encrypted_access_token"`
	EncryptedRefresh     []byte         `db:"encrypted_refresh"`
	Scopes               pqStringArray  `db:"scopes"`
	ExpiresAt            *time.Time     `db:"expires_at"`
	ProviderUserID       string         `db:"provider_user_id"`
	Revoked              bool           `db:"revoked"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (row *oauthConnectionRow) toModel() *models.OAuthConnection {
	return &models.OAuthConnection{
		ID:                   row.ID,
		UserID:               row.UserID,
		Provider:             models.Provider(row.Provider),
		EncryptedAccessToken: row.EncryptedAccessToken,
		EncryptedRefresh:     row.EncryptedRefresh,
		Scopes:               []string(row.Scopes),
		ExpiresAt:            row.ExpiresAt,
		ProviderUserID:       row.ProviderUserID,
		Revoked:              row.Revoked,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
}

type pgOAuthStates struct{ p *Postgres }

func (r *pgOAuthStates) ConsumeOnce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	const q = `
		INSERT INTO oauth_states (nonce, expires_at)
		VALUES ($1, now() + ($2 || ' seconds')::interval)
		ON CONFLICT (nonce) DO NOTHING`
	res, err := r.p.db.ExecContext(ctx, q, nonce, int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to record oauth state nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

type pgWebhookDeliveries struct{ p *Postgres }

func (r *pgWebhookDeliveries) ConsumeOnce(ctx context.Context, provider models.Provider, deliveryID string) (bool, error) {
	const q = `
		INSERT INTO webhook_deliveries (provider, delivery_id)
		VALUES ($1, $2)
		ON CONFLICT (provider, delivery_id) DO NOTHING`
	res, err := r.p.db.ExecContext(ctx, q, provider, deliveryID)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

type pgRepositoryConnections struct{ p *Postgres }

func (r *pgRepositoryConnections) Create(ctx context.Context, conn *models.RepositoryConnection) (*models.RepositoryConnection, error) {
	const q = `
		INSERT INTO repository_connections
			(id, user_id, repository_full_name, oauth_connection_id, webhook_id, encrypted_webhook_secret,
			 webhook_url, events, webhook_status, auto_pr_enabled, is_enabled, default_branch, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING id, created_at, updated_at`
	out := *conn
	row := r.p.db.QueryRowxContext(ctx, q,
		conn.UserID, conn.RepositoryFullName, conn.OAuthConnectionID, conn.WebhookID, conn.EncryptedWebhookSecret,
		conn.WebhookURL, pqStringArray(conn.Events), conn.WebhookStatus, conn.AutoPREnabled, conn.IsEnabled, conn.DefaultBranch)
	if err := row.Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert repository connection: %w", err)
	}
	return &out, nil
}

func (r *pgRepositoryConnections) Get(ctx context.Context, id string) (*models.RepositoryConnection, error) {
	var row repositoryConnectionRow
	if err := r.p.db.GetContext(ctx, &row, repositoryConnectionSelect+` WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (r *pgRepositoryConnections) GetByFullName(ctx context.Context, userID, fullName string) (*models.RepositoryConnection, error) {
	var row repositoryConnectionRow
	q := repositoryConnectionSelect + ` WHERE user_id = $1 AND repository_full_name = $2`
	if err := r.p.db.GetContext(ctx, &row, q, userID, fullName); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (r *pgRepositoryConnections) GetActiveByFullName(ctx context.Context, fullName string) (*models.RepositoryConnection, error) {
	var row repositoryConnectionRow
	q := repositoryConnectionSelect + ` WHERE repository_full_name = $1 AND is_enabled = true ORDER BY created_at DESC LIMIT 1`
	if err := r.p.db.GetContext(ctx, &row, q, fullName); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (r *pgRepositoryConnections) List(ctx context.Context, userID string) ([]*models.RepositoryConnection, error) {
	var rows []repositoryConnectionRow
	q := repositoryConnectionSelect + ` WHERE user_id = $1 ORDER BY created_at DESC`
	if err := r.p.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("failed to list repository connections: %w", err)
	}
	out := make([]*models.RepositoryConnection, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (r *pgRepositoryConnections) Update(ctx context.Context, conn *models.RepositoryConnection) error {
	const q = `
		UPDATE repository_connections SET
			webhook_id = $2, encrypted_webhook_secret = $3, webhook_url = $4, events = $5,
			webhook_status = $6, auto_pr_enabled = $7, is_enabled = $8, default_branch = $9,
			webhook_last_delivery_at = $10, updated_at = now()
		WHERE id = $1`
	res, err := r.p.db.ExecContext(ctx, q,
		conn.ID, conn.WebhookID, conn.EncryptedWebhookSecret, conn.WebhookURL, pqStringArray(conn.Events),
		conn.WebhookStatus, conn.AutoPREnabled, conn.IsEnabled, conn.DefaultBranch, conn.WebhookLastDeliveryAt)
	if err != nil {
		return fmt.Errorf("failed to update repository connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository connection %q: %w", conn.ID, errs.ErrNotFound)
	}
	return nil
}

func (r *pgRepositoryConnections) Delete(ctx context.Context, id string) error {
	res, err := r.p.db.ExecContext(ctx, `DELETE FROM repository_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete repository connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository connection %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

const repositoryConnectionSelect = `
	SELECT id, user_id, repository_full_name, oauth_connection_id, webhook_id, encrypted_webhook_secret,
	       webhook_url, events, webhook_status, auto_pr_enabled, is_enabled, default_branch,
	       webhook_last_delivery_at, created_at, updated_at
	FROM repository_connections`

type repositoryConnectionRow struct {
	ID                     string        `db:"id"`
	UserID                 string        `db:"user_id"`
	RepositoryFullName     string        `db:"repository_full_name"`
	OAuthConnectionID      string        `db:"oauth_connection_id"`
	WebhookID              *int64        `db:"webhook_id"`
	EncryptedWebhookSecret []byte        `db:"encrypted_webhook_secret"`
	WebhookURL             string        `db:"webhook_url"`
	Events                 pqStringArray `db:"events"`
	WebhookStatus          string        `db:"webhook_status"`
	AutoPREnabled          bool          `db:"auto_pr_enabled"`
	IsEnabled              bool          `db:"is_enabled"`
	DefaultBranch          string        `db:"default_branch"`
	WebhookLastDeliveryAt  *time.Time    `db:"webhook_last_delivery_at"`
	CreatedAt              time.Time     `db:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at"`
}

func (row *repositoryConnectionRow) toModel() *models.RepositoryConnection {
	return &models.RepositoryConnection{
		ID:                     row.ID,
		UserID:                 row.UserID,
		RepositoryFullName:     row.RepositoryFullName,
		OAuthConnectionID:      row.OAuthConnectionID,
		WebhookID:              row.WebhookID,
		EncryptedWebhookSecret: row.EncryptedWebhookSecret,
		WebhookURL:             row.WebhookURL,
		Events:                 []string(row.Events),
		WebhookStatus:          models.WebhookStatus(row.WebhookStatus),
		AutoPREnabled:          row.AutoPREnabled,
		IsEnabled:              row.IsEnabled,
		DefaultBranch:          row.DefaultBranch,
		WebhookLastDeliveryAt:  row.WebhookLastDeliveryAt,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}
}

type pgWorkflowRuns struct{ p *Postgres }

func (r *pgWorkflowRuns) Upsert(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, error) {
	const q = `
		INSERT INTO workflow_runs
			(id, repository_connection_id, provider_run_id, status, conclusion, branch,
			 commit_sha, commit_message, author, run_url, event_payload, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (repository_connection_id, provider_run_id) DO UPDATE SET
			status = EXCLUDED.status, conclusion = EXCLUDED.conclusion, branch = EXCLUDED.branch,
			commit_sha = EXCLUDED.commit_sha, commit_message = EXCLUDED.commit_message,
			author = EXCLUDED.author, run_url = EXCLUDED.run_url, event_payload = EXCLUDED.event_payload,
			updated_at = now()
		RETURNING id, created_at, updated_at`
	out := *run
	row := r.p.db.QueryRowxContext(ctx, q,
		run.RepositoryConnectionID, run.ProviderRunID, run.Status, run.Conclusion, run.Branch,
		run.CommitSHA, run.CommitMessage, run.Author, run.RunURL, run.EventPayload)
	if err := row.Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert workflow run: %w", err)
	}
	return &out, nil
}

func (r *pgWorkflowRuns) Get(ctx context.Context, repoConnID, providerRunID string) (*models.WorkflowRun, error) {
	const q = `
		SELECT id, repository_connection_id, provider_run_id, status, conclusion, branch,
		       commit_sha, commit_message, author, run_url, event_payload, created_at, updated_at
		FROM workflow_runs WHERE repository_connection_id = $1 AND provider_run_id = $2`
	var row workflowRunRow
	if err := r.p.db.GetContext(ctx, &row, q, repoConnID, providerRunID); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

type workflowRunRow struct {
	ID                     string    `db:"id"`
	RepositoryConnectionID string    `db:"repository_connection_id"`
	ProviderRunID          string    `db:"provider_run_id"`
	Status                 string    `db:"status"`
	Conclusion             string    `db:"conclusion"`
	Branch                 string    `db:"branch"`
	CommitSHA              string    `db:"commit_sha"`
	CommitMessage          string    `db:"commit_message"`
	Author                 string    `db:"author"`
	RunURL                 string    `db:"run_url"`
	EventPayload           []byte    `db:"event_payload"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (row *workflowRunRow) toModel() *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:                     row.ID,
		RepositoryConnectionID: row.RepositoryConnectionID,
		ProviderRunID:          row.ProviderRunID,
		Status:                 models.WorkflowRunStatus(row.Status),
		Conclusion:             row.Conclusion,
		Branch:                 row.Branch,
		CommitSHA:              row.CommitSHA,
		CommitMessage:          row.CommitMessage,
		Author:                 row.Author,
		RunURL:                 row.RunURL,
		EventPayload:           row.EventPayload,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}
}

func (r *pgWorkflowRuns) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	const q = `
		SELECT id, repository_connection_id, provider_run_id, status, conclusion, branch,
		       commit_sha, commit_message, author, run_url, event_payload, created_at, updated_at
		FROM workflow_runs WHERE id = $1`
	var row workflowRunRow
	if err := r.p.db.GetContext(ctx, &row, q, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

type pgIncidents struct{ p *Postgres }

func (r *pgIncidents) Create(ctx context.Context, incident *models.Incident) (*models.Incident, error) {
	const q = `
		INSERT INTO incidents
			(id, user_id, repository_connection_id, workflow_run_id, severity, status, source,
			 failure_type, error_message, root_cause, confidence, failure_reason, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING id, created_at, updated_at`
	out := *incident
	row := r.p.db.QueryRowxContext(ctx, q,
		incident.UserID, incident.RepositoryConnectionID, incident.WorkflowRunID, incident.Severity,
		incident.Status, incident.Source, incident.FailureType, incident.ErrorMessage, incident.RootCause,
		incident.Confidence, incident.FailureReason)
	if err := row.Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert incident: %w", err)
	}
	return &out, nil
}

func (r *pgIncidents) Get(ctx context.Context, id string) (*models.Incident, error) {
	var row incidentRow
	if err := r.p.db.GetContext(ctx, &row, incidentSelect+` WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (r *pgIncidents) GetOpenForWorkflowRun(ctx context.Context, workflowRunID string) (*models.Incident, error) {
	const q = incidentSelect + `
		WHERE workflow_run_id = $1 AND status IN ('open', 'investigating')
		ORDER BY created_at DESC LIMIT 1`
	var row incidentRow
	if err := r.p.db.GetContext(ctx, &row, q, workflowRunID); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

func (r *pgIncidents) UpdateStatus(ctx context.Context, id string, status models.IncidentStatus, reason models.FailureReason) error {
	const q = `UPDATE incidents SET status = $2, failure_reason = $3, updated_at = now() WHERE id = $1`
	res, err := r.p.db.ExecContext(ctx, q, id, status, reason)
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (r *pgIncidents) TryAcquireRemediationGuard(ctx context.Context, incidentID string, now time.Time) (bool, error) {
	const q = `
		UPDATE incidents SET remediation_attempted_at = $2, updated_at = now()
		WHERE id = $1 AND remediation_attempted_at IS NULL`
	res, err := r.p.db.ExecContext(ctx, q, incidentID, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire remediation guard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

const incidentSelect = `
	SELECT id, user_id, repository_connection_id, workflow_run_id, severity, status, source,
	       failure_type, error_message, root_cause, confidence, failure_reason,
	       remediation_attempted_at, created_at, updated_at
	FROM incidents`

type incidentRow struct {
	ID                     string     `db:"id"`
	UserID                 string     `db:"user_id"`
	RepositoryConnectionID string     `db:"repository_connection_id"`
	WorkflowRunID          string     `db:"workflow_run_id"`
	Severity               string     `db:"severity"`
	Status                 string     `db:"status"`
	Source                 string     `db:"source"`
	FailureType            string     `db:"failure_type"`
	ErrorMessage           string     `db:"error_message"`
	RootCause              string     `db:"root_cause"`
	Confidence             float64    `db:"confidence"`
	FailureReason          string     `db:"failure_reason"`
	RemediationAttemptedAt *time.Time `db:"remediation_attempted_at"`
	CreatedAt              time.Time  `db:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
}

func (row *incidentRow) toModel() *models.Incident {
	return &models.Incident{
		ID:                     row.ID,
		UserID:                 row.UserID,
		RepositoryConnectionID: row.RepositoryConnectionID,
		WorkflowRunID:          row.WorkflowRunID,
		Severity:               models.IncidentSeverity(row.Severity),
		Status:                 models.IncidentStatus(row.Status),
		Source:                 row.Source,
		FailureType:            row.FailureType,
		ErrorMessage:           row.ErrorMessage,
		RootCause:              row.RootCause,
		Confidence:             row.Confidence,
		FailureReason:          models.FailureReason(row.FailureReason),
		RemediationAttemptedAt: row.RemediationAttemptedAt,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}
}

type pgPullRequestRecords struct{ p *Postgres }

func (r *pgPullRequestRecords) Create(ctx context.Context, pr *models.PullRequestRecord) (*models.PullRequestRecord, error) {
	const q = `
		INSERT INTO pull_request_records
			(id, incident_id, pr_number, pr_url, branch_name, state, files_changed, truncated, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, created_at`
	out := *pr
	row := r.p.db.QueryRowxContext(ctx, q,
		pr.IncidentID, pr.PRNumber, pr.PRURL, pr.BranchName, pr.State, pr.FilesChanged, pr.Truncated)
	if err := row.Scan(&out.ID, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert pull request record: %w", err)
	}
	return &out, nil
}

func (r *pgPullRequestRecords) GetByIncident(ctx context.Context, incidentID string) (*models.PullRequestRecord, error) {
	const q = `
		SELECT id, incident_id, pr_number, pr_url, branch_name, state, files_changed, truncated, created_at
		FROM pull_request_records WHERE incident_id = $1`
	var row pullRequestRecordRow
	if err := r.p.db.GetContext(ctx, &row, q, incidentID); err != nil {
		return nil, wrapNotFound(err)
	}
	return row.toModel(), nil
}

type pullRequestRecordRow struct {
	ID           string    `db:"id"`
	IncidentID   string    `db:"incident_id"`
	PRNumber     int       `db:"pr_number"`
	PRURL        string    `db:"pr_url"`
	BranchName   string    `db:"branch_name"`
	State        string    `db:"state"`
	FilesChanged int       `db:"files_changed"`
	Truncated    bool      `db:"truncated"`
	CreatedAt    time.Time `db:"created_at"`
}

func (row *pullRequestRecordRow) toModel() *models.PullRequestRecord {
	return &models.PullRequestRecord{
		ID:           row.ID,
		IncidentID:   row.IncidentID,
		PRNumber:     row.PRNumber,
		PRURL:        row.PRURL,
		BranchName:   row.BranchName,
		State:        models.PullRequestState(row.State),
		FilesChanged: row.FilesChanged,
		Truncated:    row.Truncated,
		CreatedAt:    row.CreatedAt,
	}
}
