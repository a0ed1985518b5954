package actions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilePromptLoaderLoadsExactTxtFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "answer.txt"), []byte("You are an assistant."), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	loader := NewFilePromptLoader(dir)

	got, err := loader.Load("answer")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "You are an assistant." {
		t.Fatalf("got %q", got)
	}
}

func TestFilePromptLoaderFallsBackToDirPromptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "router"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "router", "prompt.txt"), []byte("Route the request."), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	loader := NewFilePromptLoader(dir)

	got, err := loader.Load("router")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "Route the request." {
		t.Fatalf("got %q", got)
	}
}

func TestFilePromptLoaderFallsBackToExactPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "exact_name"), []byte("Exact file contents."), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	loader := NewFilePromptLoader(dir)

	got, err := loader.Load("exact_name")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "Exact file contents." {
		t.Fatalf("got %q", got)
	}
}

func TestFilePromptLoaderPrefersTxtFileOverDirForm(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "answer.txt"), []byte("from txt"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "answer"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "answer", "prompt.txt"), []byte("from dir"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	loader := NewFilePromptLoader(dir)

	got, err := loader.Load("answer")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "from txt" {
		t.Fatalf("got %q, want precedence for <key>.txt", got)
	}
}

func TestFilePromptLoaderMissingPromptErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewFilePromptLoader(dir)

	if _, err := loader.Load("does_not_exist"); err == nil {
		t.Fatal("expected error for missing prompt")
	}
}
