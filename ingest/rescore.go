package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hazyhaar/chasse/ingest/internal/score"
	"github.com/hazyhaar/chasse/ingest/internal/store"
)

// RescoreOptions adjusts a rescoring run.
type RescoreOptions struct {
	// ArticleID restricts the run to one article. 0 means all.
	ArticleID int64
	// Force rewrites scores even when they are unchanged.
	Force bool
	// DryRun computes without writing.
	DryRun bool
	// KeywordsPath overrides the service keyword lists for this run.
	KeywordsPath string
}

// RescoreResult summarizes a rescoring run.
type RescoreResult struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
}

type rescoreUpdate struct {
	id       int64
	quality  float64
	threat   int
	metadata string
}

// Rescore recomputes quality and threat-hunting scores over stored
// articles. Scores never change dedup state; only the score columns and
// the score sections of metadata are rewritten.
func (svc *Service) Rescore(ctx context.Context, opt RescoreOptions) (*RescoreResult, error) {
	keywords := svc.keywords
	if opt.KeywordsPath != "" {
		var err error
		keywords, err = score.LoadKeywords(opt.KeywordsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: keywords: %v", ErrConfig, err)
		}
	}

	res := &RescoreResult{}
	var updates []rescoreUpdate
	visit := func(a *store.Article) error {
		res.Scanned++
		if u, changed := rescoreOne(keywords, a); changed || opt.Force {
			updates = append(updates, u)
		}
		return nil
	}

	if opt.ArticleID != 0 {
		a, err := svc.store.GetArticle(ctx, opt.ArticleID)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, fmt.Errorf("%w: article %d", ErrNotFound, opt.ArticleID)
		}
		if err := visit(a); err != nil {
			return nil, err
		}
	} else {
		if err := svc.store.ForEachArticle(ctx, visit); err != nil {
			return nil, err
		}
	}

	// Writes happen after the scan so the row cursor never competes with
	// them for a connection.
	for _, u := range updates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !opt.DryRun {
			if err := svc.store.UpdateScores(ctx, u.id, u.quality, u.threat, u.metadata); err != nil {
				return res, err
			}
		}
		res.Updated++
	}
	return res, nil
}

// rescoreOne recomputes both scores for an article and reports whether
// anything moved.
func rescoreOne(keywords *score.Keywords, a *store.Article) (rescoreUpdate, bool) {
	quality := score.Quality(a.Title, a.Content, a.PublishedAt, time.Now())
	threat := keywords.ThreatScore(a.Title, a.Content)

	meta := map[string]json.RawMessage{}
	if a.MetadataJSON != "" {
		json.Unmarshal([]byte(a.MetadataJSON), &meta)
	}
	if qb, err := json.Marshal(quality); err == nil {
		meta["quality"] = qb
	}
	if tb, err := json.Marshal(threat); err == nil {
		meta["threat_hunting"] = tb
	}
	metaJSON := "{}"
	if b, err := json.Marshal(meta); err == nil {
		metaJSON = string(b)
	}

	changed := threat.Score != a.ThreatHuntingScore ||
		math.Abs(quality.Score-a.QualityScore) > 1e-9
	return rescoreUpdate{
		id:       a.ID,
		quality:  quality.Score,
		threat:   threat.Score,
		metadata: metaJSON,
	}, changed
}
