package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadChapterFilesExpandsDirectories(t *testing.T) {
	directory := t.TempDir()
	for name, contents := range map[string]string{
		"naruto_chapter_2.json": `{"id": 2}`,
		"naruto_chapter_1.json": `{"id": 1}`,
		"cover.png":             "binary",
	} {
		if err := os.WriteFile(filepath.Join(directory, name), []byte(contents), 0o600); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}
	single := filepath.Join(t.TempDir(), "one_piece_chapter_1.json")
	if err := os.WriteFile(single, []byte(`{"id": 7}`), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	files, err := readChapterFiles([]string{directory, single})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected three files, got %d", len(files))
	}
	expected := []string{"naruto_chapter_1.json", "naruto_chapter_2.json", "one_piece_chapter_1.json"}
	for index, name := range expected {
		if files[index].Name != name {
			t.Fatalf("file %d: expected %s, got %s", index, name, files[index].Name)
		}
	}
	if string(files[2].Data) != `{"id": 7}` {
		t.Fatalf("unexpected contents %q", files[2].Data)
	}
}

func TestReadChapterFilesReportsMissingPath(t *testing.T) {
	if _, err := readChapterFiles([]string{filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
