package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// ReplayStats summarises a Replay run.
type ReplayStats struct {
	Records int
	Written int
	Deduped int
	Unknown int
	Batches int
}

// Replay reads a fallback log and upserts its ticks through w in batches
// of batchSize. Records are applied in file order, so the last record for
// a key wins, as it would have on the live path.
func Replay(ctx context.Context, r io.Reader, w Writer, batchSize int) (ReplayStats, error) {
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchMaxSize
	}

	records, err := ReadRecords(r)
	if err != nil {
		return ReplayStats{}, err
	}

	stats := ReplayStats{Records: len(records)}
	batch := model.NewBatch(batchSize)

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		res, err := w.Write(ctx, batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", stats.Batches+1, err)
		}
		stats.Batches++
		stats.Written += res.Rows
		stats.Unknown += res.Unknown
		stats.Deduped += batch.Received() - batch.Len()
		batch = model.NewBatch(batchSize)
		return nil
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch.Add(rec.Tick)
		if batch.Len() >= batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}
