package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/fsdb/internal/schema"
	"github.com/maruel/fsdb/internal/storage"
)

type item struct {
	_        struct{} `store:"entity=items"`
	Name     string   `json:"name" store:"key"`
	Priority int      `json:"priority"`
	schema.Identity
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(t.Context()); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := storage.Open[item](s)
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range []string{"a", "b", "c"} {
		if _, err := c.Write(t.Context(), &item{Name: n, Priority: i % 2}); err != nil {
			t.Fatal(err)
		}
	}

	out := run(t, "--data-dir", dir, "list", "items", "--sort", "priority", "--desc", "--then", "-name")
	var names []string
	for line := range strings.Lines(out) {
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
		names = append(names, doc["name"].(string))
	}
	if got := strings.Join(names, ","); got != "b,c,a" {
		t.Errorf("list = %s", got)
	}

	out = run(t, "--data-dir", dir, "list", "items", "--where", "priority=0", "--skip", "1")
	if strings.Count(out, "\n") != 1 || !strings.Contains(out, `"c"`) {
		t.Errorf("filtered list = %q", out)
	}

	if out = run(t, "--data-dir", dir, "ids", "items"); out != "1\ta\n2\tb\n3\tc\n" {
		t.Errorf("ids = %q", out)
	}
	if out = run(t, "--data-dir", dir, "collections"); out != "items\n" {
		t.Errorf("collections = %q", out)
	}
}

func TestListFlags(t *testing.T) {
	t.Parallel()
	l := &listFlags{then: []string{"name"}}
	if _, err := l.params(); err == nil {
		t.Error("expected --then without --sort to fail")
	}
	l = &listFlags{where: []string{"name^=a", "done?"}, sort: "name", then: []string{"-id", "rev"}, max: 2}
	p, err := l.params()
	if err != nil {
		t.Fatal(err)
	}
	if p.Filter == nil || p.Paging == nil || p.Paging.Max == nil || *p.Paging.Max != 2 {
		t.Errorf("params = %+v", p)
	}
	if p, err = (&listFlags{max: -1}).params(); err != nil || p.Paging != nil {
		t.Errorf("no paging: %+v, %v", p, err)
	}
	if p.Sort.Then[0].Property != "id" || p.Sort.Then[0].Direction != "desc" || p.Sort.Then[1].Direction != "asc" {
		t.Errorf("then = %+v", p.Sort.Then)
	}
}

func TestConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Codec != "json" || cfg.LogLevel != "info" || cfg.Git.Enabled {
		t.Errorf("defaults = %+v", cfg)
	}
	data := "codec: yaml\nlog_level: debug\ngit:\n  enabled: true\n  name: Ada\n"
	if err := os.WriteFile(filepath.Join(dir, configFile), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg, err = loadConfig(dir); err != nil {
		t.Fatal(err)
	}
	if cfg.Codec != "yaml" || cfg.LogLevel != "debug" || !cfg.Git.Enabled || cfg.Git.Name != "Ada" {
		t.Errorf("loaded = %+v", cfg)
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), []byte("log_level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(dir); err == nil {
		t.Error("expected invalid log level")
	}
}
