package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// PositionArchiveStore is the narrow slice of the position store the
// archiver needs. The Postgres PositionStore satisfies it implicitly.
type PositionArchiveStore interface {
	// ListExitedBefore returns up to limit positions that exited strictly
	// before the cutoff, oldest exit first.
	ListExitedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error)

	// Delete removes a position and, via the schema cascade, its lifecycle
	// events.
	Delete(ctx context.Context, id string) error
}

// defaultArchiveBatch bounds how many positions one query pulls so a large
// backlog is worked off incrementally.
const defaultArchiveBatch = 100

// ArchiveImpl implements domain.Archiver. Every exited position becomes its
// own JSON document in object storage; the database row is deleted only
// after a head request confirms the upload landed. A failed verify leaves
// the row in place for the next run.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  PositionArchiveStore
	audit  domain.AuditStore
	batch  int
}

// NewArchiver creates a new ArchiveImpl. A batchSize of zero or less
// selects the default.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	store PositionArchiveStore,
	audit domain.AuditStore,
	batchSize int,
) *ArchiveImpl {
	if batchSize <= 0 {
		batchSize = defaultArchiveBatch
	}
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		store:  store,
		audit:  audit,
		batch:  batchSize,
	}
}

// archiveRecord is the document layout written to cold storage.
type archiveRecord struct {
	domain.Position
	ArchivedAt time.Time
}

// ArchivePositions moves every position that exited strictly before the
// cutoff into object storage and removes it from the database. It returns
// the number of positions archived; on error the count covers only the
// positions already uploaded, verified, and deleted.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	var count int64

	for {
		if err := ctx.Err(); err != nil {
			return count, fmt.Errorf("s3blob: archive positions aborted: %w", err)
		}

		positions, err := a.store.ListExitedBefore(ctx, before, a.batch)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive positions query: %w", err)
		}
		if len(positions) == 0 {
			break
		}

		for _, pos := range positions {
			if err := a.archiveOne(ctx, pos); err != nil {
				return count, err
			}
			count++
		}

		// Processed rows were deleted, so a full batch means another
		// query may find more.
		if len(positions) < a.batch {
			break
		}
	}

	if count == 0 {
		return 0, nil
	}

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// archiveOne uploads one position, verifies the object exists, then deletes
// the source row.
func (a *ArchiveImpl) archiveOne(ctx context.Context, pos domain.Position) error {
	doc, err := json.Marshal(archiveRecord{
		Position:   pos,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("s3blob: archive position %s marshal: %w", pos.ID, err)
	}

	path := positionArchivePath(pos)
	if err := a.writer.Put(ctx, path, bytes.NewReader(doc), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive position %s upload: %w", pos.ID, err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive position %s verify: %w", pos.ID, err)
	}
	if !ok {
		return fmt.Errorf("s3blob: archive position %s: uploaded object missing at %s", pos.ID, path)
	}

	if err := a.store.Delete(ctx, pos.ID); err != nil {
		return fmt.Errorf("s3blob: archive position %s delete: %w", pos.ID, err)
	}

	return nil
}

// positionArchivePath builds the object key for an archived position,
// partitioned by the day it exited.
//
//	archive/positions/2025/01/15/9f1c2d.json
func positionArchivePath(pos domain.Position) string {
	exited := time.Now().UTC()
	if pos.ExitedAt != nil {
		exited = pos.ExitedAt.UTC()
	}
	return fmt.Sprintf("archive/positions/%s/%s.json", exited.Format("2006/01/02"), pos.ID)
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
