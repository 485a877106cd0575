package index

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"main.go":          "package main\n",
		"docs/readme.md":   "# readme\n",
		"docs/guide.md":    "# guide with more text\n",
		".git/config":      "[core]\n",
		"vendor/keep.go":   "package vendor\n",
	}
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0640); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestBuildAndCount(t *testing.T) {
	idx, err := Build(buildTestTree(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// .git is skipped, everything else indexed.
	if idx.Count() != 4 {
		t.Errorf("expected 4 files, got %d: %v", idx.Count(), idx.List("*"))
	}
}

func TestList_Pattern(t *testing.T) {
	idx, err := Build(buildTestTree(t))
	if err != nil {
		t.Fatal(err)
	}

	md := idx.List("*.md")
	if len(md) != 2 {
		t.Errorf("expected 2 markdown files, got %v", md)
	}
	all := idx.List("*")
	if len(all) != idx.Count() {
		t.Errorf("wildcard should list all files, got %v", all)
	}
}

func TestRead(t *testing.T) {
	idx, err := Build(buildTestTree(t))
	if err != nil {
		t.Fatal(err)
	}

	content, err := idx.Read("main.go")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "package main\n" {
		t.Errorf("unexpected content %q", content)
	}

	if _, err := idx.Read("../escape.txt"); err == nil {
		t.Error("expected error for unindexed path")
	}
	if _, err := idx.Read(".git/config"); err == nil {
		t.Error("expected error for skipped path")
	}
}

func TestRebuild(t *testing.T) {
	root := buildTestTree(t)
	idx, err := Build(root)
	if err != nil {
		t.Fatal(err)
	}
	before := idx.Count()

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}
	n, err := idx.Rebuild()
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != before+1 {
		t.Errorf("expected %d files after rebuild, got %d", before+1, n)
	}
}

func TestSummary_Bounded(t *testing.T) {
	idx, err := Build(buildTestTree(t))
	if err != nil {
		t.Fatal(err)
	}

	s := idx.Summary(2)
	if !strings.Contains(s, "4 files indexed") {
		t.Errorf("summary should state total count, got %q", s)
	}
	if !strings.Contains(s, "showing 2 largest") {
		t.Errorf("summary should note the bound, got %q", s)
	}
	if strings.Count(s, "\n") > 4 {
		t.Errorf("summary not bounded: %q", s)
	}
}
