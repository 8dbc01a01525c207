package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
)

func (s *SQLiteStore) FindOrganizationByWebsite(ctx context.Context, website string) (*model.Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE website = ?`, website)
	org, err := scanSQLOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find organization by website")
	}
	return org, nil
}

func (s *SQLiteStore) ListOrganizationsByLocality(ctx context.Context, normalizedCity, state string) ([]model.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgColumns+` FROM organizations
		 WHERE state = ? AND normalized_city = ?
		 ORDER BY created_at, id`,
		state, normalizedCity,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list organizations by locality")
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		org, err := scanSQLOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization")
		}
		out = append(out, *org)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list organizations iterate")
}

func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *model.Organization) error {
	prepareOrganization(org)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (`+orgColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.NormalizedName, sqlText(org.Website), org.City, org.NormalizedCity, org.State, org.CreatedAt,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: create organization %s", org.Website)
	}
	return eris.Wrapf(err, "sqlite: create organization %s", org.Name)
}

func (s *SQLiteStore) UpsertRelationship(ctx context.Context, orgID, entityID string, kind model.RelationshipKind) (bool, error) {
	if !kind.Valid() {
		return false, eris.Errorf("sqlite: unknown relationship kind %q", kind)
	}
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var curID, curKind string
		err := tx.QueryRowContext(ctx,
			`SELECT id, kind FROM relationships
			 WHERE organization_id = ? AND entity_id = ? AND family = ? AND is_current = 1`,
			orgID, entityID, kind.Family(),
		).Scan(&curID, &curKind)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return eris.Wrap(err, "sqlite: read current relationship")
		case curKind == string(kind):
			return nil
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE relationships SET is_current = 0, retired_at = ? WHERE id = ?`,
				nowUTC(), curID,
			); err != nil {
				return eris.Wrap(err, "sqlite: retire relationship")
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relationships (id, organization_id, entity_id, kind, family, is_current, created_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?)`,
			uuid.New().String(), orgID, entityID, string(kind), kind.Family(), nowUTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert relationship")
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *SQLiteStore) ListRelationships(ctx context.Context, entityID string) ([]model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE entity_id = ? ORDER BY created_at, rowid`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list relationships")
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var (
			r    model.Relationship
			kind string
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.EntityID, &kind, &r.Family,
			&r.IsCurrent, &r.CreatedAt, &r.RetiredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan relationship")
		}
		r.Kind = model.RelationshipKind(kind)
		r.CreatedAt = r.CreatedAt.UTC()
		r.RetiredAt = utcPtr(r.RetiredAt)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list relationships iterate")
}

func scanSQLOrganization(row scannable) (*model.Organization, error) {
	var (
		org     model.Organization
		website sql.NullString
	)
	if err := row.Scan(&org.ID, &org.Name, &org.NormalizedName, &website, &org.City, &org.NormalizedCity,
		&org.State, &org.CreatedAt); err != nil {
		return nil, err
	}
	org.Website = website.String
	org.CreatedAt = org.CreatedAt.UTC()
	return &org, nil
}
