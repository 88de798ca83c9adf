package repository_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/upstream/internal/repository"
)

func newRepo(t *testing.T) (*repository.BboltRepository, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "index.db")

	repo, err := repository.NewBboltRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	return repo, dbPath
}

func TestNewBboltRepository_OpenError(t *testing.T) {
	dir := t.TempDir()
	_, err := repository.NewBboltRepository(dir)
	if err == nil {
		t.Errorf("Expected error when opening DB on directory path, got nil")
	}
}

func TestSaveInvalidSpan(t *testing.T) {
	repo, _ := newRepo(t)
	defer repo.Close()

	err := repo.SaveSpan(nil)
	if err == nil || err.Error() != "cannot save nil span" {
		t.Errorf("Expected error 'cannot save nil span', got %v", err)
	}

	err = repo.SaveSpan(&repository.SpanRecord{Key: "k"})
	if err != repository.ErrEmptyID {
		t.Errorf("Expected ErrEmptyID, got %v", err)
	}
}

func TestSaveFindAllDelete(t *testing.T) {
	repo, _ := newRepo(t)
	defer repo.Close()

	list, err := repo.FindAllSpans()
	if err != nil {
		t.Fatalf("FindAllSpans error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty list, got %d items", len(list))
	}

	span := &repository.SpanRecord{
		ID:         uuid.New(),
		Key:        "https://example.com/a",
		Position:   100,
		Length:     50,
		File:       "x.span",
		LastAccess: time.Now().UTC().Truncate(time.Second),
	}

	if err := repo.SaveSpan(span); err != nil {
		t.Fatalf("SaveSpan error: %v", err)
	}

	found, err := repo.FindSpan(span.ID)
	if err != nil {
		t.Fatalf("FindSpan error: %v", err)
	}
	if found.Key != span.Key || found.Position != 100 || found.Length != 50 || !found.LastAccess.Equal(span.LastAccess) {
		t.Errorf("FindSpan returned wrong data: %+v", found)
	}

	list, err = repo.FindAllSpans()
	if err != nil {
		t.Fatalf("FindAllSpans error: %v", err)
	}
	if len(list) != 1 || list[0].ID != span.ID {
		t.Errorf("FindAllSpans returned wrong data: %+v", list)
	}

	if err := repo.DeleteSpan(uuid.Nil); err == nil {
		t.Errorf("Expected error deleting Nil ID, got nil")
	}

	if err := repo.DeleteSpan(uuid.New()); err != repository.ErrSpanNotFound {
		t.Errorf("Expected ErrSpanNotFound deleting non-existent ID, got %v", err)
	}

	if err := repo.DeleteSpan(span.ID); err != nil {
		t.Errorf("DeleteSpan error for existing ID: %v", err)
	}

	if _, err := repo.FindSpan(span.ID); err != repository.ErrSpanNotFound {
		t.Errorf("Expected ErrSpanNotFound after delete, got %v", err)
	}
}

func TestContentLengths(t *testing.T) {
	repo, dbPath := newRepo(t)

	if err := repo.SaveContentLength("", 1); err != repository.ErrEmptyKey {
		t.Errorf("Expected ErrEmptyKey, got %v", err)
	}

	if err := repo.SaveContentLength("a", 1000); err != nil {
		t.Fatalf("SaveContentLength error: %v", err)
	}
	if err := repo.SaveContentLength("b", 0); err != nil {
		t.Fatalf("SaveContentLength error: %v", err)
	}

	if err := repo.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Reopen to check persistence.
	repo, err := repository.NewBboltRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen repository: %v", err)
	}
	defer repo.Close()

	lengths, err := repo.ContentLengths()
	if err != nil {
		t.Fatalf("ContentLengths error: %v", err)
	}
	if len(lengths) != 2 || lengths["a"] != 1000 || lengths["b"] != 0 {
		t.Errorf("ContentLengths returned wrong data: %v", lengths)
	}

	if err := repo.DeleteContentLength("a"); err != nil {
		t.Fatalf("DeleteContentLength error: %v", err)
	}

	lengths, err = repo.ContentLengths()
	if err != nil {
		t.Fatalf("ContentLengths error: %v", err)
	}
	if _, ok := lengths["a"]; ok {
		t.Errorf("Expected key a to be deleted, got %v", lengths)
	}
}

func TestCloseBehavior(t *testing.T) {
	repo, _ := newRepo(t)

	if err := repo.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if err := repo.SaveSpan(&repository.SpanRecord{ID: uuid.New()}); err == nil {
		t.Errorf("Expected error SaveSpan after Close, got nil")
	}

	if _, err := repo.FindAllSpans(); err == nil {
		t.Errorf("Expected error FindAllSpans after Close, got nil")
	}

	if err := repo.DeleteSpan(uuid.New()); err == nil {
		t.Errorf("Expected error DeleteSpan after Close, got nil")
	}

	if _, err := repo.ContentLengths(); err == nil {
		t.Errorf("Expected error ContentLengths after Close, got nil")
	}
}
