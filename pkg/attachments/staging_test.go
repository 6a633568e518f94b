package attachments

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStagingPaths(t *testing.T) {
	tmp := t.TempDir()
	s, err := NewStaging(filepath.Join(tmp, "downloads"))
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	if _, err := os.Stat(s.RootPath()); err != nil {
		t.Fatalf("staging dir not created: %v", err)
	}

	if got, want := s.StagePath(42, "invoice.pdf"), filepath.Join(s.RootPath(), "42_invoice.pdf"); got != want {
		t.Fatalf("StagePath = %q, want %q", got, want)
	}
	if got, want := s.FinalPath(42, "report.pdf"), filepath.Join(s.RootPath(), "report.pdf"); got != want {
		t.Fatalf("FinalPath = %q, want %q", got, want)
	}
	if got, want := s.FinalPath(42, "../secret"), filepath.Join(s.RootPath(), "_secret"); got != want {
		t.Fatalf("FinalPath traversal = %q, want %q", got, want)
	}
	if got, want := s.StagePath(7, ""), filepath.Join(s.RootPath(), "7_document_7"); got != want {
		t.Fatalf("StagePath empty name = %q, want %q", got, want)
	}
}

func TestStagingFinalizeAndRemove(t *testing.T) {
	s, err := NewStaging(filepath.Join(t.TempDir(), "downloads"))
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	staged := s.StagePath(42, "invoice.pdf")
	if err := os.WriteFile(staged, []byte("%PDF"), 0644); err != nil {
		t.Fatalf("write staged: %v", err)
	}

	final, err := s.Finalize(staged, 42, "report.pdf")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("staged file still present: %v", err)
	}
	data, err := os.ReadFile(final)
	if err != nil || string(data) != "%PDF" {
		t.Fatalf("final file content = %q, err = %v", data, err)
	}

	if n, _ := s.Pending(); n != 1 {
		t.Fatalf("Pending = %d, want 1", n)
	}
	if err := s.Remove(final); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := s.Pending(); n != 0 {
		t.Fatalf("Pending after remove = %d, want 0", n)
	}
	if err := s.Remove(final); err != nil {
		t.Fatalf("Remove of missing file should be a no-op: %v", err)
	}
}

func TestStagingRemoveOutsideRoot(t *testing.T) {
	tmp := t.TempDir()
	s, err := NewStaging(filepath.Join(tmp, "downloads"))
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}
	outside := filepath.Join(tmp, "keep.txt")
	if err := os.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Remove(outside); err == nil {
		t.Fatalf("expected error removing file outside staging dir")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside root was touched: %v", err)
	}
}
