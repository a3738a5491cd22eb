package autoindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/planweave/semindex/internal/record"
)

// RecordSource lists the authoritative records for a collection. It is
// the reindex sweep's view of the external record store.
type RecordSource interface {
	List(ctx context.Context, typ record.Type) ([]record.Record, error)
}

// Report aggregates the outcome of a reindex run. Failed counts
// records whose indexing errored; the run itself still completes.
type Report struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (r *Report) add(other Report) {
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// ReindexAll walks the record source and reconciles every listed
// collection against it: changed or missing records are re-embedded
// and upserted, records absent from the source are removed, unchanged
// records are skipped. With dryRun set nothing is mutated and
// Processed counts the changes a real run would apply. An empty
// collections slice means all collections. A single record's failure
// is counted and skipped rather than aborting the run.
func (i *Indexer) ReindexAll(ctx context.Context, collections []string, batchSize int, dryRun bool) (Report, error) {
	if i.source == nil {
		return Report{}, fmt.Errorf("reindex: no record source configured")
	}
	if len(collections) == 0 {
		collections = i.registry.Names()
	}
	if batchSize <= 0 {
		batchSize = 32
	}

	var (
		mu    sync.Mutex
		total Report
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range collections {
		name := name
		g.Go(func() error {
			report, err := i.reindexCollection(ctx, name, batchSize, dryRun)
			if err != nil {
				return err
			}
			mu.Lock()
			total.add(report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return total, nil
}

func (i *Indexer) reindexCollection(ctx context.Context, name string, batchSize int, dryRun bool) (Report, error) {
	coll, err := i.registry.Get(name)
	if err != nil {
		return Report{}, err
	}
	recs, err := i.source.List(ctx, record.Type(name))
	if err != nil {
		return Report{}, fmt.Errorf("list %s records: %w", name, err)
	}

	var report Report
	mutated := false

	live := make(map[string]bool, len(recs))
	for _, rec := range recs {
		live[rec.ID] = true
		changed, err := i.upsertRecord(ctx, coll, rec, batchSize, dryRun)
		switch {
		case err != nil:
			report.Failed++
			i.logger.Warn("reindex record failed",
				zap.String("collection", name),
				zap.String("record_id", rec.ID),
				zap.Error(err))
		case changed:
			report.Processed++
			mutated = mutated || !dryRun
		default:
			report.Skipped++
		}
	}

	// Records indexed but no longer in the source are orphans left by
	// dropped delete events; remove them.
	indexed, err := coll.RecordIDs()
	if err != nil {
		return Report{}, err
	}
	sort.Strings(indexed)
	for _, id := range indexed {
		if live[id] {
			continue
		}
		report.Processed++
		if dryRun {
			continue
		}
		if err := i.deleteRecord(ctx, coll, id); err != nil {
			report.Processed--
			report.Failed++
			i.logger.Warn("reindex orphan removal failed",
				zap.String("collection", name),
				zap.String("record_id", id),
				zap.Error(err))
			continue
		}
		mutated = true
	}

	if mutated {
		i.invalidate(ctx, name)
	}
	return report, nil
}
