package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestRunInit(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	path := filepath.Join(tmpHome, ".config", "fluvalctl", "config.yaml")

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	if !strings.Contains(out.String(), "Wrote default config to "+path) {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	out.Reset()
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("second runInit() error = %v", err)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Errorf("second output = %q, want already exists", out.String())
	}
}
