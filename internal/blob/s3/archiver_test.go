package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

type fakeBlobStore struct {
	objects map[string][]byte
	putErr  map[string]error
	missing map[string]bool
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects: make(map[string][]byte),
		putErr:  make(map[string]error),
		missing: make(map[string]bool),
	}
}

func (f *fakeBlobStore) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if err := f.putErr[path]; err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	f.objects[path] = buf.Bytes()
	return nil
}

func (f *fakeBlobStore) PutMultipart(_ context.Context, _ string, _ io.Reader, _ int64) error {
	return errors.New("not used")
}

func (f *fakeBlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, data := range f.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(data))})
		}
	}
	return infos, nil
}

func (f *fakeBlobStore) Exists(_ context.Context, path string) (bool, error) {
	if f.missing[path] {
		return false, nil
	}
	_, ok := f.objects[path]
	return ok, nil
}

type fakePositionArchiveStore struct {
	positions []domain.Position
	deleted   []string
}

func (f *fakePositionArchiveStore) ListExitedBefore(_ context.Context, before time.Time, limit int) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.positions {
		if p.ExitedAt != nil && p.ExitedAt.Before(before) {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePositionArchiveStore) Delete(_ context.Context, id string) error {
	for i, p := range f.positions {
		if p.ID == id {
			f.positions = append(f.positions[:i], f.positions[i+1:]...)
			f.deleted = append(f.deleted, id)
			return nil
		}
	}
	return domain.ErrNotFound
}

type fakeAuditLog struct {
	events  []string
	details []map[string]any
}

func (f *fakeAuditLog) Log(_ context.Context, event string, detail map[string]any) error {
	f.events = append(f.events, event)
	f.details = append(f.details, detail)
	return nil
}

func (f *fakeAuditLog) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func exitedPosition(id string, exited time.Time) domain.Position {
	return domain.Position{
		ID:       id,
		Ticker:   "SPY",
		State:    domain.PositionStateExited,
		ExitedAt: &exited,
	}
}

func TestArchiver_MovesExitedPositions(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exited := time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC)

	store := &fakePositionArchiveStore{positions: []domain.Position{
		exitedPosition("pos-1", exited),
		exitedPosition("pos-2", exited.Add(24*time.Hour)),
		exitedPosition("pos-3", exited.Add(48*time.Hour)),
	}}
	blob := newFakeBlobStore()
	audit := &fakeAuditLog{}

	// Batch of 2 forces a second query pass.
	arch := NewArchiver(blob, blob, store, audit, 2)

	count, err := arch.ArchivePositions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchivePositions failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("count=%d want=3", count)
	}

	wantPath := "archive/positions/2025/01/15/pos-1.json"
	if _, ok := blob.objects[wantPath]; !ok {
		t.Errorf("expected object at %s, have %v", wantPath, keys(blob.objects))
	}
	if len(blob.objects) != 3 {
		t.Errorf("uploaded objects=%d want=3", len(blob.objects))
	}
	if len(store.positions) != 0 {
		t.Errorf("positions left in store=%d want=0", len(store.positions))
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.positions" {
		t.Fatalf("audit events=%v want=[archive.positions]", audit.events)
	}
	if got := audit.details[0]["count"]; got != int64(3) {
		t.Errorf("audit count=%v want=3", got)
	}
}

func TestArchiver_SkipsPositionsInsideRetention(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	store := &fakePositionArchiveStore{positions: []domain.Position{
		exitedPosition("old", cutoff.Add(-time.Hour)),
		exitedPosition("recent", cutoff.Add(time.Hour)),
	}}
	blob := newFakeBlobStore()
	audit := &fakeAuditLog{}

	arch := NewArchiver(blob, blob, store, audit, 0)

	count, err := arch.ArchivePositions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchivePositions failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("count=%d want=1", count)
	}
	if len(store.positions) != 1 || store.positions[0].ID != "recent" {
		t.Errorf("remaining=%v want only the recent position", store.positions)
	}
}

func TestArchiver_VerifyFailureLeavesRow(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exited := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)

	store := &fakePositionArchiveStore{positions: []domain.Position{
		exitedPosition("pos-1", exited),
		exitedPosition("pos-2", exited),
	}}
	blob := newFakeBlobStore()
	blob.missing["archive/positions/2025/02/10/pos-2.json"] = true
	audit := &fakeAuditLog{}

	arch := NewArchiver(blob, blob, store, audit, 10)

	count, err := arch.ArchivePositions(context.Background(), cutoff)
	if err == nil {
		t.Fatal("expected verify failure, got nil error")
	}
	if count != 1 {
		t.Fatalf("count=%d want=1", count)
	}
	// The unverified position must survive for the next run.
	if len(store.deleted) != 1 || store.deleted[0] != "pos-1" {
		t.Errorf("deleted=%v want=[pos-1]", store.deleted)
	}
	if len(audit.events) != 0 {
		t.Errorf("audit should not record a partial run, got %v", audit.events)
	}
}

func TestArchiver_UploadErrorStopsRun(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exited := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)

	store := &fakePositionArchiveStore{positions: []domain.Position{
		exitedPosition("pos-1", exited),
	}}
	blob := newFakeBlobStore()
	blob.putErr["archive/positions/2025/02/10/pos-1.json"] = errors.New("bucket unavailable")
	audit := &fakeAuditLog{}

	arch := NewArchiver(blob, blob, store, audit, 10)

	count, err := arch.ArchivePositions(context.Background(), cutoff)
	if err == nil {
		t.Fatal("expected upload error, got nil")
	}
	if count != 0 {
		t.Fatalf("count=%d want=0", count)
	}
	if len(store.deleted) != 0 {
		t.Errorf("nothing should be deleted after a failed upload, got %v", store.deleted)
	}
}

func TestArchiver_EmptyBacklogSkipsAudit(t *testing.T) {
	store := &fakePositionArchiveStore{}
	blob := newFakeBlobStore()
	audit := &fakeAuditLog{}

	arch := NewArchiver(blob, blob, store, audit, 10)

	count, err := arch.ArchivePositions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchivePositions failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("count=%d want=0", count)
	}
	if len(audit.events) != 0 {
		t.Errorf("audit events=%v want none", audit.events)
	}
	if len(blob.objects) != 0 {
		t.Errorf("objects=%d want=0", len(blob.objects))
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
