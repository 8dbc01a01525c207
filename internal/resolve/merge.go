package resolve

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/consensus"
	"github.com/sells-group/listing-pipeline/internal/model"
)

// Merge folds one entity into the other. The older entity survives; ties go
// to the lower id. The survivor's fields are then whatever the acceptance
// rule makes of both logs in observation order. It returns the survivor id.
func (r *Resolver) Merge(ctx context.Context, aID, bID string) (string, error) {
	a, err := r.store.GetEntity(ctx, aID)
	if err != nil {
		return "", eris.Wrapf(err, "resolve: merge %s", aID)
	}
	b, err := r.store.GetEntity(ctx, bID)
	if err != nil {
		return "", eris.Wrapf(err, "resolve: merge %s", bID)
	}
	survivor, _, err := r.merge(ctx, a, b)
	return survivor, err
}

func (r *Resolver) merge(ctx context.Context, a, b *model.Entity) (survivor, loser string, err error) {
	s, l := a, b
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID) {
		s, l = b, a
	}
	if err := r.store.MergeEntities(ctx, l.ID, s.ID, consensus.ReplayFunc(r.cfg.Fields)); err != nil {
		return "", "", eris.Wrapf(err, "resolve: merge %s into %s", l.ID, s.ID)
	}
	zap.L().Info("resolve: merged entities",
		zap.String("survivor_id", s.ID),
		zap.String("loser_id", l.ID),
	)
	return s.ID, l.ID, nil
}
