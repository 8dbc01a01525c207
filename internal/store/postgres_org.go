package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/db"
	"github.com/sells-group/listing-pipeline/internal/model"
)

const orgColumns = `id, name, normalized_name, website, city, normalized_city, state, created_at`

const relationshipColumns = `id, organization_id, entity_id, kind, family, is_current, created_at, retired_at`

func (s *PostgresStore) FindOrganizationByWebsite(ctx context.Context, website string) (*model.Organization, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE website = $1`, website)
	org, err := scanOrganization(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find organization by website")
	}
	return org, nil
}

// ListOrganizationsByLocality returns fuzzy-match candidates: organizations
// in state whose normalized city equals city.
func (s *PostgresStore) ListOrganizationsByLocality(ctx context.Context, normalizedCity, state string) ([]model.Organization, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations
		 WHERE state = $1 AND normalized_city = $2
		 ORDER BY created_at, id`,
		state, normalizedCity,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organizations by locality")
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization")
		}
		out = append(out, *org)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list organizations iterate")
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *model.Organization) error {
	prepareOrganization(org)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (`+orgColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		org.ID, org.Name, org.NormalizedName, pgText(org.Website), org.City, org.NormalizedCity, org.State, org.CreatedAt,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: create organization %s", org.Website)
	}
	return eris.Wrapf(err, "postgres: create organization %s", org.Name)
}

// UpsertRelationship makes kind the current relationship of its family
// between org and entity, retiring a different current kind. It reports
// whether anything changed.
func (s *PostgresStore) UpsertRelationship(ctx context.Context, orgID, entityID string, kind model.RelationshipKind) (bool, error) {
	if !kind.Valid() {
		return false, eris.Errorf("postgres: unknown relationship kind %q", kind)
	}
	changed := false
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var curID, curKind string
		err := tx.QueryRow(ctx,
			`SELECT id, kind FROM relationships
			 WHERE organization_id = $1 AND entity_id = $2 AND family = $3 AND is_current
			 FOR UPDATE`,
			orgID, entityID, kind.Family(),
		).Scan(&curID, &curKind)
		switch {
		case noRows(err):
		case err != nil:
			return eris.Wrap(err, "postgres: read current relationship")
		case curKind == string(kind):
			return nil
		default:
			if _, err := tx.Exec(ctx,
				`UPDATE relationships SET is_current = false, retired_at = $1 WHERE id = $2`,
				nowUTC(), curID,
			); err != nil {
				return eris.Wrap(err, "postgres: retire relationship")
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO relationships (id, organization_id, entity_id, kind, family, is_current, created_at)
			 VALUES ($1, $2, $3, $4, $5, true, $6)`,
			uuid.New().String(), orgID, entityID, string(kind), kind.Family(), nowUTC(),
		)
		if db.IsUniqueViolation(err) {
			return eris.Wrap(ErrConflict, "postgres: concurrent relationship insert")
		}
		if err != nil {
			return eris.Wrap(err, "postgres: insert relationship")
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *PostgresStore) ListRelationships(ctx context.Context, entityID string) ([]model.Relationship, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE entity_id = $1 ORDER BY created_at, id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list relationships")
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
			return nil, eris.Wrap(err, "postgres: scan relationship")
		}
		r.Kind = model.RelationshipKind(kind)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list relationships iterate")
}

func scanOrganization(row pgx.Row) (*model.Organization, error) {
	var (
		org     model.Organization
		website *string
	)
	if err := row.Scan(&org.ID, &org.Name, &org.NormalizedName, &website, &org.City, &org.NormalizedCity,
		&org.State, &org.CreatedAt); err != nil {
		return nil, err
	}
	org.Website = derefText(website)
	return &org, nil
}

func prepareOrganization(org *model.Organization) {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = nowUTC()
	}
}
