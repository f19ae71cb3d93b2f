package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortybyte/mudaeUtils/internal/keywords"
)

const roster = `Harem of roller
#1 - Rem 💞 - Re:Zero
#2 - Megumin - KonoSuba
not a roster line
#3 - rem - Re:Zero
`

func TestKeywordsImport(t *testing.T) {
	file := filepath.Join(t.TempDir(), "chars.json")
	if err := keywords.Save(file, []string{"Megumin"}); err != nil {
		t.Fatal(err)
	}

	out, err := execCmd(t, roster, "keywords", "import", "--file", file)
	if err != nil {
		t.Fatalf("keywords import: %v", err)
	}
	if !strings.Contains(out, "Added 1 of 3 names") || !strings.Contains(out, "(2 total)") {
		t.Errorf("got: %s", out)
	}
	names, err := keywords.Load(file)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "Megumin,Rem" {
		t.Errorf("names = %v", names)
	}
}

func TestKeywordsImport_FromConfigAndFile(t *testing.T) {
	cfg := writeConfig(t, "")
	input := filepath.Join(t.TempDir(), "roster.txt")
	if err := os.WriteFile(input, []byte(roster), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execCmd(t, "", "keywords", "import", input, "--config", cfg); err != nil {
		t.Fatalf("keywords import: %v", err)
	}
	names, err := keywords.Load(filepath.Join(filepath.Dir(cfg), "data", "chars.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("names = %v, want Rem and Megumin", names)
	}
}

func TestKeywordsImport_NoRoster(t *testing.T) {
	_, err := execCmd(t, "hello\n", "keywords", "import", "--file", filepath.Join(t.TempDir(), "c.json"))
	if err == nil || !strings.Contains(err.Error(), "no roster lines") {
		t.Fatalf("expected no roster error, got %v", err)
	}
}
