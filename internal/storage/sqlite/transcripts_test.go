package sqlite

import (
	"testing"
	"time"

	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

func newTestStorage(t *testing.T) *TranscriptStorage {
	t.Helper()
	storage, err := NewTranscriptStorage(":memory:", logger.NewNop())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestStoreAndGetTranscripts(t *testing.T) {
	storage := newTestStorage(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, rec := range []*TranscriptRecord{
		{Owner: "owner-1", Source: "mic", Content: "first"},
		{Owner: "owner-1", Source: "system", Content: "second"},
		{Owner: "owner-2", Source: "mic", Content: "third"},
	} {
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		id, err := storage.StoreTranscript(rec)
		if err != nil {
			t.Fatalf("StoreTranscript failed: %v", err)
		}
		if id <= 0 {
			t.Errorf("got id %d, want positive", id)
		}
	}

	records, err := storage.GetTranscripts(10, 0)
	if err != nil {
		t.Fatalf("GetTranscripts failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	// Newest first.
	if records[0].Content != "third" {
		t.Errorf("first record = %q, want %q", records[0].Content, "third")
	}
	if !records[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp round-trip failed: %v", records[0].CreatedAt)
	}
}

func TestGetTranscriptsBySource(t *testing.T) {
	storage := newTestStorage(t)

	now := time.Now().UTC().Truncate(time.Second)
	for _, rec := range []*TranscriptRecord{
		{Owner: "o", Source: "mic", Content: "a", CreatedAt: now},
		{Owner: "o", Source: "system", Content: "b", CreatedAt: now},
		{Owner: "o", Source: "mic", Content: "c", CreatedAt: now},
	} {
		if _, err := storage.StoreTranscript(rec); err != nil {
			t.Fatalf("StoreTranscript failed: %v", err)
		}
	}

	records, err := storage.GetTranscriptsBySource("mic", 10, 0)
	if err != nil {
		t.Fatalf("GetTranscriptsBySource failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d mic records, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Source != "mic" {
			t.Errorf("record source = %q, want mic", rec.Source)
		}
	}
}

func TestGetTranscriptsPagination(t *testing.T) {
	storage := newTestStorage(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &TranscriptRecord{
			Owner:     "o",
			Source:    "mic",
			Content:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := storage.StoreTranscript(rec); err != nil {
			t.Fatalf("StoreTranscript failed: %v", err)
		}
	}

	page, err := storage.GetTranscripts(2, 2)
	if err != nil {
		t.Fatalf("GetTranscripts failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d records, want 2", len(page))
	}
	if page[0].Content != "c" || page[1].Content != "b" {
		t.Errorf("page = [%q, %q], want [c, b]", page[0].Content, page[1].Content)
	}
}
