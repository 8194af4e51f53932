package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/djangohost/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout sorts lexically in the same order as the instants it encodes.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// one connection: writers serialize anyway and :memory: is per-connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID              string  `db:"id"`
	Owner           string  `db:"owner"`
	ProjectName     string  `db:"project_name"`
	SafeID          string  `db:"safe_id"`
	Mode            string  `db:"mode"`
	SourceArchive   string  `db:"source_archive"`
	RejectedArchive string  `db:"rejected_archive"`
	WorkDir         string  `db:"work_dir"`
	Port            int     `db:"port"`
	Address         string  `db:"address"`
	CustomDomain    string  `db:"custom_domain"`
	ResourceLimit   string  `db:"resource_limit"`
	EnvVars         string  `db:"env_vars"`
	Status          string  `db:"status"`
	Active          bool    `db:"active"`
	ErrorMessage    string  `db:"error_message"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
	LastDeployedAt  *string `db:"last_deployed_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) GetDeploymentBySafeID(ctx context.Context, owner, safeID string) (*domain.Deployment, error) {
	return getDeploymentBySafeID(ctx, s.db, owner, safeID)
}

func (s *SQLiteStore) GetDeploymentByDomain(ctx context.Context, hostname string) (*domain.Deployment, error) {
	return getDeploymentByDomain(ctx, s.db, hostname)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	return deleteDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, opts)
}

func (s *SQLiteStore) ListDeploymentsByOwner(ctx context.Context, owner string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByOwner(ctx, s.db, owner, opts)
}

func (s *SQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.db, status)
}

func (s *SQLiteStore) SafeIDTaken(ctx context.Context, owner, safeID string) (bool, error) {
	return safeIDTaken(ctx, s.db, owner, safeID)
}

func (s *SQLiteStore) WorkDirTaken(ctx context.Context, workDir string) (bool, error) {
	return workDirTaken(ctx, s.db, workDir)
}

// =============================================================================
// Event Operations
// =============================================================================

// eventRow represents a deployment_events row in the database.
type eventRow struct {
	ID           int64  `db:"id"`
	DeploymentID string `db:"deployment_id"`
	Level        string `db:"level"`
	Message      string `db:"message"`
	Details      string `db:"details"`
	CreatedAt    string `db:"created_at"`
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	return appendEvent(ctx, s.db, event)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentEvent, error) {
	return listEvents(ctx, s.db, deploymentID, limit)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetDeploymentBySafeID(ctx context.Context, owner, safeID string) (*domain.Deployment, error) {
	return getDeploymentBySafeID(ctx, s.tx, owner, safeID)
}

func (s *txSQLiteStore) GetDeploymentByDomain(ctx context.Context, hostname string) (*domain.Deployment, error) {
	return getDeploymentByDomain(ctx, s.tx, hostname)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	return deleteDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListDeploymentsByOwner(ctx context.Context, owner string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByOwner(ctx, s.tx, owner, opts)
}

func (s *txSQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.tx, status)
}

func (s *txSQLiteStore) SafeIDTaken(ctx context.Context, owner, safeID string) (bool, error) {
	return safeIDTaken(ctx, s.tx, owner, safeID)
}

func (s *txSQLiteStore) WorkDirTaken(ctx context.Context, workDir string) (bool, error) {
	return workDirTaken(ctx, s.tx, workDir)
}

func (s *txSQLiteStore) AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	return appendEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.DeploymentEvent, error) {
	return listEvents(ctx, s.tx, deploymentID, limit)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func deploymentParams(op string, d *domain.Deployment) (map[string]any, error) {
	env := d.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize env vars", ErrInvalidData)
	}

	var lastDeployed *string
	if d.LastDeployedAt != nil {
		s := formatTime(*d.LastDeployedAt)
		lastDeployed = &s
	}

	return map[string]any{
		"id":               d.ID,
		"owner":            d.Owner,
		"project_name":     d.ProjectName,
		"safe_id":          d.SafeID,
		"mode":             string(d.Mode),
		"source_archive":   d.SourceArchive,
		"rejected_archive": d.RejectedArchive,
		"work_dir":         d.WorkDir,
		"port":             d.Port,
		"address":          d.Address,
		"custom_domain":    d.CustomDomain,
		"resource_limit":   string(d.ResourceLimit),
		"env_vars":         string(envJSON),
		"status":           string(d.Status),
		"active":           d.Active,
		"error_message":    d.ErrorMessage,
		"created_at":       formatTime(d.CreatedAt),
		"updated_at":       formatTime(d.UpdatedAt),
		"last_deployed_at": lastDeployed,
	}, nil
}

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentParams("CreateDeployment", deployment)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (
			id, owner, project_name, safe_id, mode, source_archive, rejected_archive,
			work_dir, port, address, custom_domain, resource_limit, env_vars,
			status, active, error_message, created_at, updated_at, last_deployed_at
		) VALUES (
			:id, :owner, :project_name, :safe_id, :mode, :source_archive, :rejected_archive,
			:work_dir, :port, :address, :custom_domain, :resource_limit, :env_vars,
			:status, :active, :error_message, :created_at, :updated_at, :last_deployed_at
		)`

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.owner, deployments.safe_id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "safe identifier already in use", ErrDuplicateSafeID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.work_dir") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "working directory already in use", ErrDuplicateWorkDir)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func getDeploymentBySafeID(ctx context.Context, exec executor, owner, safeID string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments
		WHERE lower(owner) = lower(?) AND safe_id = ?
		ORDER BY created_at LIMIT 1`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, owner, safeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeploymentBySafeID", "deployment", owner+"/"+safeID, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeploymentBySafeID", "deployment", owner+"/"+safeID, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func getDeploymentByDomain(ctx context.Context, exec executor, hostname string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments
		WHERE custom_domain != '' AND lower(custom_domain) = lower(?)
		ORDER BY updated_at DESC LIMIT 1`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, hostname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeploymentByDomain", "deployment", hostname, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeploymentByDomain", "deployment", hostname, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentParams("UpdateDeployment", deployment)
	if err != nil {
		return err
	}

	// owner, safe_id, mode and created_at are fixed at creation
	query := `
		UPDATE deployments SET
			project_name = :project_name,
			source_archive = :source_archive,
			rejected_archive = :rejected_archive,
			work_dir = :work_dir,
			port = :port,
			address = :address,
			custom_domain = :custom_domain,
			resource_limit = :resource_limit,
			env_vars = :env_vars,
			status = :status,
			active = :active,
			error_message = :error_message,
			updated_at = :updated_at,
			last_deployed_at = :last_deployed_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func deleteDeployment(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM deployments WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteDeployment", "deployment", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteDeployment", "deployment", id, "deployment not found", ErrNotFound)
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments ORDER BY created_at DESC LIMIT ? OFFSET ?`
	return selectDeployments(ctx, exec, "ListDeployments", query, opts.Limit, opts.Offset)
}

func listDeploymentsByOwner(ctx context.Context, exec executor, owner string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE owner = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	return selectDeployments(ctx, exec, "ListDeploymentsByOwner", query, owner, opts.Limit, opts.Offset)
}

func listDeploymentsByStatus(ctx context.Context, exec executor, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE status = ? ORDER BY created_at`
	return selectDeployments(ctx, exec, "ListDeploymentsByStatus", query, string(status))
}

func selectDeployments(ctx context.Context, exec executor, op, query string, args ...any) ([]domain.Deployment, error) {
	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, nil
}

func safeIDTaken(ctx context.Context, exec executor, owner, safeID string) (bool, error) {
	var n int
	query := `SELECT COUNT(1) FROM deployments WHERE lower(owner) = lower(?) AND safe_id = ?`
	if err := exec.GetContext(ctx, &n, query, owner, safeID); err != nil {
		return false, NewStoreError("SafeIDTaken", "deployment", owner+"/"+safeID, err.Error(), err)
	}
	return n > 0, nil
}

func workDirTaken(ctx context.Context, exec executor, workDir string) (bool, error) {
	var n int
	query := `SELECT COUNT(1) FROM deployments WHERE work_dir = ?`
	if err := exec.GetContext(ctx, &n, query, workDir); err != nil {
		return false, NewStoreError("WorkDirTaken", "deployment", workDir, err.Error(), err)
	}
	return n > 0, nil
}

func appendEvent(ctx context.Context, exec executor, event *domain.DeploymentEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO deployment_events (deployment_id, level, message, details, created_at)
		VALUES (?, ?, ?, ?, ?)`

	result, err := exec.ExecContext(ctx, query,
		event.DeploymentID, string(event.Level), event.Message, event.Details, formatTime(event.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("AppendEvent", "event", event.DeploymentID, "deployment not found", ErrForeignKey)
		}
		return NewStoreError("AppendEvent", "event", event.DeploymentID, err.Error(), err)
	}

	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// listEvents returns the newest limit events, oldest first.
func listEvents(ctx context.Context, exec executor, deploymentID string, limit int) ([]domain.DeploymentEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT * FROM (
			SELECT * FROM deployment_events WHERE deployment_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	var rows []eventRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID, limit); err != nil {
		return nil, NewStoreError("ListEvents", "event", deploymentID, err.Error(), err)
	}

	events := make([]domain.DeploymentEvent, 0, len(rows))
	for _, row := range rows {
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, NewStoreError("ListEvents", "event", deploymentID, "failed to parse created_at", ErrInvalidData)
		}
		events = append(events, domain.DeploymentEvent{
			ID:           row.ID,
			DeploymentID: row.DeploymentID,
			Level:        domain.EventLevel(row.Level),
			Message:      row.Message,
			Details:      row.Details,
			CreatedAt:    createdAt,
		})
	}
	return events, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	d := &domain.Deployment{
		ID:              row.ID,
		Owner:           row.Owner,
		ProjectName:     row.ProjectName,
		SafeID:          row.SafeID,
		Mode:            domain.Mode(row.Mode),
		SourceArchive:   row.SourceArchive,
		RejectedArchive: row.RejectedArchive,
		WorkDir:         row.WorkDir,
		Port:            row.Port,
		Address:         row.Address,
		CustomDomain:    row.CustomDomain,
		ResourceLimit:   domain.ResourceLimit(row.ResourceLimit),
		Status:          domain.DeploymentStatus(row.Status),
		Active:          row.Active,
		ErrorMessage:    row.ErrorMessage,
	}

	if row.EnvVars != "" {
		if err := json.Unmarshal([]byte(row.EnvVars), &d.EnvVars); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse env vars", ErrInvalidData)
		}
	}
	if len(d.EnvVars) == 0 {
		d.EnvVars = nil
	}

	var err error
	if d.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse created_at", ErrInvalidData)
	}
	if d.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse updated_at", ErrInvalidData)
	}
	if row.LastDeployedAt != nil {
		t, err := parseTime(*row.LastDeployedAt)
		if err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse last_deployed_at", ErrInvalidData)
		}
		d.LastDeployedAt = &t
	}

	return d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
