package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "worker.template.yaml")
	output := filepath.Join(dir, "worker.yaml")
	os.WriteFile(template, []byte("version: \"__CACHE_VERSION__\"\n"), 0o644)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run([]string{"-template", template, "-out", output, "-version", "1000"}, stdout, stderr)

	if code != 0 {
		t.Fatalf("run() = %d, want 0; stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout.String()) != "1000" {
		t.Errorf("stdout = %q, want 1000", stdout.String())
	}

	out, _ := os.ReadFile(output)
	if string(out) != "version: \"1000\"\n" {
		t.Errorf("output = %q", out)
	}
}

func TestRun_GeneratesVersion(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "in.yaml")
	os.WriteFile(template, []byte("__CACHE_VERSION__"), 0o644)

	stdout := &bytes.Buffer{}
	code := run([]string{"-template", template, "-out", filepath.Join(dir, "out.yaml")}, stdout, &bytes.Buffer{})

	if code != 0 {
		t.Fatalf("run() = %d, want 0", code)
	}
	if v := strings.TrimSpace(stdout.String()); v == "" || v == "__CACHE_VERSION__" {
		t.Errorf("generated version = %q", v)
	}
}

func TestRun_Failures(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "tpl"), []byte("version: __CACHE_VERSION__\n"), 0o644)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing flags", args: []string{}},
		{name: "partially stamped version", args: []string{"-template", filepath.Join(dir, "tpl"), "-out", filepath.Join(dir, "out"), "-version", "v__CACHE_VERSION__"}},
		{name: "missing template", args: []string{"-template", filepath.Join(dir, "nope"), "-out", filepath.Join(dir, "out")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			if code := run(tt.args, stdout, &bytes.Buffer{}); code != 1 {
				t.Errorf("run() = %d, want 1", code)
			}
			if stdout.Len() != 0 {
				t.Errorf("stdout = %q, want empty on failure", stdout.String())
			}
		})
	}
}
