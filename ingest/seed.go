package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/chasse/ingest/catalog"
	"github.com/hazyhaar/chasse/ingest/internal/store"
)

// SeedCatalog bulk-inserts curated source collections. Sources that
// already exist keep their config; only absent identifiers are added.
// Returns the number of sources inserted.
func (svc *Service) SeedCatalog(ctx context.Context, cats []string) (int, error) {
	var total int
	for _, cat := range cats {
		if _, ok := catalog.Sources(cat); !ok {
			return total, fmt.Errorf("%w: unknown catalog category %q (have %v)",
				ErrConfig, cat, catalog.Categories())
		}
		n, err := catalog.Populate(ctx, svc.addSeedSource, cat)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (svc *Service) addSeedSource(ctx context.Context, def *catalog.SourceDef) error {
	existing, err := svc.store.GetSource(ctx, def.Identifier)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("ingest: source %s already exists", def.Identifier)
	}

	tier := 3
	if def.RSSURL != "" {
		tier = 1
	}
	src := &store.Source{
		Identifier:     def.Identifier,
		Name:           def.Name,
		URL:            def.URL,
		RSSURL:         def.RSSURL,
		Tier:           tier,
		Active:         true,
		Weight:         def.Weight,
		CheckFrequency: time.Duration(def.CheckFrequency) * time.Second,
	}
	if len(def.Categories) > 0 {
		src.CategoriesJSON = mustJSON(def.Categories)
	}
	return svc.store.UpsertSource(ctx, src)
}
