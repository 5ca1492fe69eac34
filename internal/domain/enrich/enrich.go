// Package enrich joins the model's ranked output with catalog metadata.
package enrich

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/okian/recsync/internal/adapters/repository"
	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
	"github.com/okian/recsync/pkg/metrics"
)

// MissingPolicy decides what happens to a recommendation whose video is not
// in the catalog.
type MissingPolicy string

const (
	// MissingKeep returns the entry with Video == nil and Found == false.
	MissingKeep MissingPolicy = "keep"
	// MissingDrop omits the entry.
	MissingDrop MissingPolicy = "drop"
)

// ErrUnknownPolicy is returned by ParsePolicy.
var ErrUnknownPolicy = errors.New("unknown missing-video policy")

// ParsePolicy maps a config value to a MissingPolicy. Empty means keep.
func ParsePolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(s) {
	case "", MissingKeep:
		return MissingKeep, nil
	case MissingDrop:
		return MissingDrop, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// VideoStore looks up catalog entries.
type VideoStore interface {
	GetVideo(ctx context.Context, videoID string) (model.Video, error)
}

// Enricher attaches catalog metadata without reordering, de-duplicating, or
// touching explanations.
type Enricher struct {
	videos      VideoStore
	policy      MissingPolicy
	concurrency int
	logger      logger.Logger
}

// New creates an Enricher.
func New(videos VideoStore, opts ...Option) *Enricher {
	e := &Enricher{
		videos:      videos,
		policy:      MissingKeep,
		concurrency: 8,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("enrich")
	return e
}

// Policy returns the active missing-video policy.
func (e *Enricher) Policy() MissingPolicy { return e.policy }

// EnrichOne enriches a single entry. keep reports whether the entry belongs in
// the output under the active policy.
func (e *Enricher) EnrichOne(ctx context.Context, raw model.RawRecommendation) (rec model.Recommendation, keep bool, err error) {
	rec = model.Recommendation{VideoID: raw.VideoID, Explanation: raw.Explanation}

	v, err := e.videos.GetVideo(ctx, raw.VideoID)
	switch {
	case err == nil:
		rec.Video = &v
		rec.Found = true
		return rec, true, nil
	case errors.Is(err, repository.ErrNotFound):
		metrics.RecordEnrichmentMissing(string(e.policy))
		e.logger.Debug(ctx, "recommended video missing from catalog",
			logger.String("videoId", raw.VideoID), logger.String("policy", string(e.policy)))
		return rec, e.policy == MissingKeep, nil
	default:
		return model.Recommendation{}, false, fmt.Errorf("lookup video %s: %w", raw.VideoID, err)
	}
}

// Enrich enriches raws in parallel and returns them in the model's order.
// Missing videos follow the policy; any other lookup error fails the call.
func (e *Enricher) Enrich(ctx context.Context, raws []model.RawRecommendation) ([]model.Recommendation, error) {
	type slot struct {
		rec  model.Recommendation
		keep bool
	}
	slots := make([]slot, len(raws))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range raws {
		g.Go(func() error {
			rec, keep, err := e.EnrichOne(gctx, raws[i])
			if err != nil {
				return err
			}
			slots[i] = slot{rec: rec, keep: keep}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.Recommendation, 0, len(slots))
	for _, s := range slots {
		if s.keep {
			out = append(out, s.rec)
		}
	}
	return out, nil
}
