package resolve

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// ResolveOrganization finds or creates the seller organization:
//  1. Exact canonical website match
//  2. Fuzzy normalized name (Jaro-Winkler) within the same city and state
//  3. Create
//
// It returns nil when the seller carries neither a name nor a website.
func (r *Resolver) ResolveOrganization(ctx context.Context, seller model.Seller) (*model.Organization, error) {
	website := normalize.CanonicalWebsite(seller.Website)
	name := normalize.NormalizeOrgName(seller.Name)
	city := normalize.CleanText(seller.City)
	cityKey := normalize.NormalizeCity(seller.City)
	state := normalize.NormalizeState(seller.State)
	if website == "" && name == "" {
		return nil, nil
	}

	// Pass 1: website.
	if website != "" {
		org, err := r.store.FindOrganizationByWebsite(ctx, website)
		if err != nil {
			return nil, eris.Wrap(err, "resolve: organization by website")
		}
		if org != nil {
			zap.L().Debug("resolve: organization matched by website",
				zap.String("website", website),
				zap.String("organization_id", org.ID),
			)
			return org, nil
		}
	}

	// Pass 2: name + city + state.
	if name != "" && cityKey != "" && state != "" {
		org, err := r.matchByName(ctx, name, website, cityKey, state)
		if err != nil {
			return nil, err
		}
		if org != nil {
			return org, nil
		}
	}

	// Pass 3: create.
	displayName := normalize.CleanText(seller.Name)
	if displayName == "" {
		displayName = website
	}
	org := &model.Organization{
		Name:           displayName,
		NormalizedName: name,
		Website:        website,
		City:           city,
		NormalizedCity: cityKey,
		State:          state,
	}
	err := r.store.CreateOrganization(ctx, org)
	if errors.Is(err, store.ErrConflict) && website != "" {
		// Another worker created it first.
		existing, findErr := r.store.FindOrganizationByWebsite(ctx, website)
		if findErr != nil {
			return nil, eris.Wrap(findErr, "resolve: organization by website after conflict")
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "resolve: create organization")
	}

	zap.L().Info("resolve: created organization",
		zap.String("name", org.Name),
		zap.String("website", website),
		zap.String("organization_id", org.ID),
	)
	return org, nil
}

// matchByName returns the most similar organization in the locality whose
// name similarity meets the threshold. Candidates with a different known
// website are never matched.
func (r *Resolver) matchByName(ctx context.Context, name, website, city, state string) (*model.Organization, error) {
	candidates, err := r.store.ListOrganizationsByLocality(ctx, city, state)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: organizations by locality")
	}

	var (
		best      *model.Organization
		bestScore float64
	)
	for i := range candidates {
		c := &candidates[i]
		if website != "" && c.Website != "" && c.Website != website {
			continue
		}
		score := normalize.JaroWinkler(name, c.NormalizedName)
		if score >= r.cfg.NameSimilarity && score > bestScore {
			best, bestScore = c, score
		}
	}
	if best != nil {
		zap.L().Debug("resolve: organization matched by name",
			zap.String("name", name),
			zap.String("organization_id", best.ID),
			zap.Float64("similarity", bestScore),
		)
	}
	return best, nil
}
