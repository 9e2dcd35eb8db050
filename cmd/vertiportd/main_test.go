package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "vertiportd "+version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := newLogger(level); err != nil {
			t.Fatalf("level %s: %v", level, err)
		}
	}
	if _, err := newLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoadConfigAppliesLogLevelFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0600); err != nil {
		t.Fatal(err)
	}
	configPath, logLevel = path, "debug"
	t.Cleanup(func() { configPath, logLevel = "", "" })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected flag to override file, got %s", cfg.LogLevel)
	}

	logLevel = "loud"
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected invalid --log-level to be rejected")
	}
}

func TestParseBytes(t *testing.T) {
	got, err := parseBytes([]string{"3", "1", "0xFF", "010", "0X80"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []int{3, 1, 255, 10, 128}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	for _, bad := range []string{"red", "0x", "0b101", "1_0"} {
		if _, err := parseBytes([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSetCommandRejectsWrongArity(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"set", "192.168.1.42", "3"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected arity error")
	}
}
