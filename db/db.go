package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

type Database struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Database)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Database) {
		d.now = now
	}
}

func New(path string, opts ...Option) (*Database, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer; concurrent fan-out goroutines queue here
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &Database{db: db, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		application_id TEXT NOT NULL,
		deployment_set TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		build TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		life TEXT NOT NULL,
		expires_on INTEGER NOT NULL,
		wasm TEXT,
		wat TEXT NOT NULL DEFAULT '',
		dts TEXT NOT NULL DEFAULT '',
		contract_functions TEXT NOT NULL DEFAULT '[]',
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		error TEXT,
		dependencies_manifest TEXT,
		signature TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_application_id ON deployments(application_id);
	CREATE INDEX IF NOT EXISTS idx_status ON deployments(status);
	CREATE INDEX IF NOT EXISTS idx_updated_at ON deployments(updated_at);

	CREATE TABLE IF NOT EXISTS deployment_addresses (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL UNIQUE,
		fqdn TEXT NOT NULL,
		FOREIGN KEY (deployment_id) REFERENCES deployments(id)
	);

	CREATE INDEX IF NOT EXISTS idx_fqdn ON deployment_addresses(fqdn);

	CREATE TABLE IF NOT EXISTS deployment_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deployment_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		details TEXT,
		FOREIGN KEY (deployment_id) REFERENCES deployments(id)
	);

	CREATE INDEX IF NOT EXISTS idx_deployment_id ON deployment_events(deployment_id);

	CREATE TABLE IF NOT EXISTS applications (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		org_slug TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT '',
		deploy_commit_ledgers INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (owner, repo, slug)
	);

	CREATE TABLE IF NOT EXISTS domains (
		id TEXT PRIMARY KEY,
		application_id TEXT NOT NULL,
		fqdn TEXT NOT NULL UNIQUE,
		verified INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (application_id) REFERENCES applications(id)
	);
	`

	_, err := d.db.Exec(schema)
	return err
}

const deploymentColumns = `
	d.id, d.application_id, d.deployment_set, d.branch, d.build, d.version, d.status, d.life,
	d.expires_on, a.id, a.fqdn, d.wasm, d.wat, d.dts, d.contract_functions, d.stdout, d.stderr,
	d.error, d.dependencies_manifest, d.signature, d.created_at, d.updated_at`

const deploymentFrom = `
	FROM deployments d
	JOIN deployment_addresses a ON a.deployment_id = d.id`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row scanner) (*models.Deployment, error) {
	var (
		dep                        models.Deployment
		status, life               string
		expiresOn, created, update int64
		wasm, derr, manifest, sig  sql.NullString
		functions                  string
	)

	err := row.Scan(&dep.ID, &dep.ApplicationID, &dep.Set, &dep.Branch, &dep.Build, &dep.Version,
		&status, &life, &expiresOn, &dep.Address.ID, &dep.Address.FQDN, &wasm, &dep.Wat, &dep.Dts,
		&functions, &dep.Stdout, &dep.Stderr, &derr, &manifest, &sig, &created, &update)
	if err != nil {
		return nil, err
	}

	dep.Status = models.Status(status)
	dep.Life = models.Life(life)
	dep.ExpiresOn = fromMillis(expiresOn)
	dep.CreatedAt = fromMillis(created)
	dep.UpdatedAt = fromMillis(update)

	if wasm.Valid && wasm.String != "" {
		dep.Wasm, err = base64.StdEncoding.DecodeString(wasm.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decode wasm for %s: %w", dep.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(functions), &dep.ContractFunctions); err != nil {
		return nil, fmt.Errorf("failed to decode contract functions for %s: %w", dep.ID, err)
	}
	if derr.Valid {
		dep.Error = &models.DeploymentError{}
		if err := json.Unmarshal([]byte(derr.String), dep.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error for %s: %w", dep.ID, err)
		}
	}
	if manifest.Valid {
		if err := json.Unmarshal([]byte(manifest.String), &dep.DependenciesManifest); err != nil {
			return nil, fmt.Errorf("failed to decode manifest for %s: %w", dep.ID, err)
		}
	}
	if sig.Valid {
		dep.Signature = &models.SignatureBundle{}
		if err := json.Unmarshal([]byte(sig.String), dep.Signature); err != nil {
			return nil, fmt.Errorf("failed to decode signature for %s: %w", dep.ID, err)
		}
	}

	return &dep, nil
}

func (d *Database) queryDeployments(ctx context.Context, query string, args ...interface{}) ([]models.Deployment, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []models.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}

	return deployments, rows.Err()
}

// CreateDeployment inserts the deployment together with its owning address.
// Empty id, address id and timestamps are filled in.
func (d *Database) CreateDeployment(ctx context.Context, dep *models.Deployment) error {
	now := d.clock()
	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	if dep.Address.ID == "" {
		dep.Address.ID = uuid.New().String()
	}
	if dep.Address.FQDN == "" {
		return fmt.Errorf("deployment %s has no address", dep.ID)
	}
	if dep.ContractFunctions == nil {
		dep.ContractFunctions = []string{}
	}
	dep.CreatedAt = now
	dep.UpdatedAt = now

	functions, err := json.Marshal(dep.ContractFunctions)
	if err != nil {
		return err
	}
	derr, err := nullJSON(dep.Error)
	if err != nil {
		return err
	}
	manifest, err := nullJSON(dep.DependenciesManifest)
	if err != nil {
		return err
	}
	sig, err := nullJSON(dep.Signature)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (id, application_id, deployment_set, branch, build, version, status, life,
			expires_on, wasm, wat, dts, contract_functions, stdout, stderr, error, dependencies_manifest,
			signature, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, dep.ID, dep.ApplicationID, dep.Set, dep.Branch, dep.Build, dep.Version, string(dep.Status), string(dep.Life),
		toMillis(dep.ExpiresOn), encodeWasm(dep.Wasm), dep.Wat, dep.Dts, string(functions), dep.Stdout, dep.Stderr,
		derr, manifest, sig, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert deployment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployment_addresses (id, deployment_id, fqdn) VALUES (?, ?, ?)
	`, dep.Address.ID, dep.ID, dep.Address.FQDN)
	if err != nil {
		return fmt.Errorf("failed to insert deployment address: %w", err)
	}

	return tx.Commit()
}

func (d *Database) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+deploymentFrom+`
		WHERE d.id = ? AND d.deleted_at IS NULL`, id)

	dep, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return dep, err
}

// FindActiveByAddress returns the newest deployment occupying fqdn that is
// not errored, being replaced or torn down. It returns nil when the address
// is free.
func (d *Database) FindActiveByAddress(ctx context.Context, fqdn string) (*models.Deployment, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+deploymentFrom+`
		WHERE a.fqdn = ? AND d.deleted_at IS NULL
		AND d.status NOT IN (?, ?, ?, ?)
		ORDER BY d.created_at DESC, d.rowid DESC
		LIMIT 1
	`, fqdn, string(models.StatusErrored), string(models.StatusUpdating),
		string(models.StatusTerminating), string(models.StatusTerminated))

	dep, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dep, err
}

// FindByAddressAndStatus lists deployments at fqdn, newest first.
func (d *Database) FindByAddressAndStatus(ctx context.Context, fqdn string, statuses ...models.Status) ([]models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + deploymentFrom + ` WHERE a.fqdn = ? AND d.deleted_at IS NULL`
	args := []interface{}{fqdn}
	if len(statuses) > 0 {
		in, inArgs := statusIn(statuses)
		query += ` AND d.status IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY d.created_at DESC, d.rowid DESC`

	return d.queryDeployments(ctx, query, args...)
}

func (d *Database) SetStatus(ctx context.Context, id string, to models.Status, from ...models.Status) (bool, error) {
	query := `UPDATE deployments SET status = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	args := []interface{}{string(to), toMillis(d.clock()), id}
	if len(from) > 0 {
		in, inArgs := statusIn(from)
		query += ` AND status IN ` + in
		args = append(args, inArgs...)
	}

	return d.execAffected(ctx, query, args...)
}

func (d *Database) SetErrored(ctx context.Context, id string, derr models.DeploymentError, from ...models.Status) (bool, error) {
	encoded, err := json.Marshal(derr)
	if err != nil {
		return false, err
	}

	query := `UPDATE deployments SET status = ?, error = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	args := []interface{}{string(models.StatusErrored), string(encoded), toMillis(d.clock()), id}
	if len(from) > 0 {
		in, inArgs := statusIn(from)
		query += ` AND status IN ` + in
		args = append(args, inArgs...)
	}

	return d.execAffected(ctx, query, args...)
}

// SaveBuildOutput stores captured compiler output and the dependency manifest
// without touching the status.
func (d *Database) SaveBuildOutput(ctx context.Context, id, stdout, stderr string, manifest models.DependenciesManifest) error {
	encoded, err := nullJSON(manifest)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `
		UPDATE deployments SET stdout = ?, stderr = ?, dependencies_manifest = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, stdout, stderr, encoded, toMillis(d.clock()), id)
	return err
}

// SaveArtifact stores the compiled module and everything derived from it.
func (d *Database) SaveArtifact(ctx context.Context, id string, out *models.BuildOutput) error {
	functions := out.ContractFunctions
	if functions == nil {
		functions = []string{}
	}
	encodedFunctions, err := json.Marshal(functions)
	if err != nil {
		return err
	}
	sig, err := nullJSON(out.Signature)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, `
		UPDATE deployments SET wasm = ?, wat = ?, dts = ?, contract_functions = ?, signature = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, encodeWasm(out.Wasm), out.Wat, out.Dts, string(encodedFunctions), sig, toMillis(d.clock()), id)
	return err
}

// DeleteDeployment soft deletes a deployment. Deleted records are invisible
// to every query.
func (d *Database) DeleteDeployment(ctx context.Context, id string) error {
	deleted, err := d.execAffected(ctx, `
		UPDATE deployments SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, toMillis(d.clock()), toMillis(d.clock()), id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// GroupByAddressWithCount returns every address held by more than one
// deployment with the given life and status.
func (d *Database) GroupByAddressWithCount(ctx context.Context, life models.Life, status models.Status) ([]models.AddressGroup, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT a.fqdn, COUNT(*)`+deploymentFrom+`
		WHERE d.deleted_at IS NULL AND d.life = ? AND d.status = ?
		GROUP BY a.fqdn
		HAVING COUNT(*) > 1
		ORDER BY a.fqdn
	`, string(life), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.AddressGroup
	for rows.Next() {
		var g models.AddressGroup
		if err := rows.Scan(&g.FQDN, &g.Count); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (d *Database) FindExpired(ctx context.Context, now time.Time, life models.Life, statuses ...models.Status) ([]models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + deploymentFrom + `
		WHERE d.deleted_at IS NULL AND d.life = ? AND d.expires_on < ?`
	args := []interface{}{string(life), toMillis(now)}
	if len(statuses) > 0 {
		in, inArgs := statusIn(statuses)
		query += ` AND d.status IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY d.expires_on`

	return d.queryDeployments(ctx, query, args...)
}

// FindStale lists deployments in one of statuses whose last update is older
// than olderThan.
func (d *Database) FindStale(ctx context.Context, olderThan time.Time, statuses ...models.Status) ([]models.Deployment, error) {
	in, inArgs := statusIn(statuses)
	args := append([]interface{}{toMillis(olderThan)}, inArgs...)

	return d.queryDeployments(ctx, `SELECT `+deploymentColumns+deploymentFrom+`
		WHERE d.deleted_at IS NULL AND d.updated_at < ? AND d.status IN `+in+`
		ORDER BY d.updated_at`, args...)
}

func (d *Database) ListDeployments(ctx context.Context, applicationID string, limit, offset int) ([]models.Deployment, int, error) {
	var total int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deployments WHERE application_id = ? AND deleted_at IS NULL
	`, applicationID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	deployments, err := d.queryDeployments(ctx, `SELECT `+deploymentColumns+deploymentFrom+`
		WHERE d.application_id = ? AND d.deleted_at IS NULL
		ORDER BY d.created_at DESC, d.rowid DESC
		LIMIT ? OFFSET ?
	`, applicationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	return deployments, total, nil
}

func (d *Database) AddEvent(ctx context.Context, deploymentID, eventType, details string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO deployment_events (deployment_id, event_type, details, timestamp)
		VALUES (?, ?, ?, ?)
	`, deploymentID, eventType, details, toMillis(d.clock()))
	return err
}

func (d *Database) ListEvents(ctx context.Context, deploymentID string) ([]models.DeploymentEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, deployment_id, event_type, COALESCE(details, ''), timestamp
		FROM deployment_events WHERE deployment_id = ? ORDER BY id
	`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.DeploymentEvent
	for rows.Next() {
		var (
			ev models.DeploymentEvent
			ts int64
		)
		if err := rows.Scan(&ev.ID, &ev.DeploymentID, &ev.EventType, &ev.Details, &ts); err != nil {
			return nil, err
		}
		ev.Timestamp = fromMillis(ts)
		events = append(events, ev)
	}

	return events, rows.Err()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping() error {
	return d.db.Ping()
}

func (d *Database) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) clock() time.Time {
	return d.now().UTC()
}

func (d *Database) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func statusIn(statuses []models.Status) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return "(" + strings.Join(placeholders, ", ") + ")", args
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeWasm(wasm []byte) interface{} {
	if len(wasm) == 0 {
		return nil
	}
	return base64.StdEncoding.EncodeToString(wasm)
}

func nullJSON(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case *models.DeploymentError:
		if x == nil {
			return nil, nil
		}
	case *models.SignatureBundle:
		if x == nil {
			return nil, nil
		}
	case models.DependenciesManifest:
		if x == nil {
			return nil, nil
		}
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
