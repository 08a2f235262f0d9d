package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

func (d *Database) CreateApplication(ctx context.Context, app *models.Application) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	app.CreatedAt = d.clock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO applications (id, slug, owner, repo, org_slug, default_branch, deploy_commit_ledgers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, app.ID, app.Slug, app.Owner, app.Repo, app.OrgSlug, app.DefaultBranch, app.DeployCommitLedgers, toMillis(app.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}
	return nil
}

func (d *Database) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, slug, owner, repo, org_slug, default_branch, deploy_commit_ledgers, created_at
		FROM applications WHERE id = ?
	`, id)

	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, ErrApplicationNotFound
	}
	return app, err
}

func (d *Database) ListApplicationsByRepo(ctx context.Context, owner, repo string) ([]models.Application, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, slug, owner, repo, org_slug, default_branch, deploy_commit_ledgers, created_at
		FROM applications WHERE owner = ? AND repo = ?
		ORDER BY slug
	`, owner, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}

	return apps, rows.Err()
}

func (d *Database) AddDomain(ctx context.Context, domain *models.Domain) error {
	if domain.ID == "" {
		domain.ID = uuid.New().String()
	}
	domain.CreatedAt = d.clock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO domains (id, application_id, fqdn, verified, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, domain.ID, domain.ApplicationID, domain.FQDN, domain.Verified, toMillis(domain.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert domain: %w", err)
	}
	return nil
}

func (d *Database) ListDomains(ctx context.Context, applicationID string, verifiedOnly bool) ([]models.Domain, error) {
	query := `SELECT id, application_id, fqdn, verified, created_at FROM domains WHERE application_id = ?`
	if verifiedOnly {
		query += ` AND verified = 1`
	}
	query += ` ORDER BY fqdn`

	rows, err := d.db.QueryContext(ctx, query, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []models.Domain
	for rows.Next() {
		var (
			dom     models.Domain
			created int64
		)
		if err := rows.Scan(&dom.ID, &dom.ApplicationID, &dom.FQDN, &dom.Verified, &created); err != nil {
			return nil, err
		}
		dom.CreatedAt = fromMillis(created)
		domains = append(domains, dom)
	}

	return domains, rows.Err()
}

func scanApplication(row scanner) (*models.Application, error) {
	var (
		app     models.Application
		created int64
	)
	err := row.Scan(&app.ID, &app.Slug, &app.Owner, &app.Repo, &app.OrgSlug, &app.DefaultBranch,
		&app.DeployCommitLedgers, &created)
	if err != nil {
		return nil, err
	}
	app.CreatedAt = fromMillis(created)
	return &app, nil
}
