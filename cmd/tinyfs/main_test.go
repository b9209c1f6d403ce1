package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestWriteReadStatus(t *testing.T) {
	t.Setenv("TINYFS_DATA_DIR", t.TempDir())
	t.Setenv("TINYFS_SUBPACKAGES_FILE", "")
	t.Setenv("LOG_LEVEL", "error")

	if _, err := runCLI(t, "hello", "--max-size", "10MB", "write", "/cache/saves/slot1.json"); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := runCLI(t, "", "--max-size", "10MB", "read", "/cache/saves/slot1.json")
	if err != nil || out != "hello" {
		t.Fatalf("read = %q, %v", out, err)
	}

	out, err = runCLI(t, "", "--max-size", "10MB", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "/cache/saves/slot1.json") || !strings.Contains(out, "Files:      1") {
		t.Errorf("status output:\n%s", out)
	}

	out, err = runCLI(t, "", "--max-size", "10MB", "ls", "-r", "/cache")
	if err != nil || !strings.Contains(out, "/cache/saves/slot1.json") {
		t.Errorf("ls -r = %q, %v", out, err)
	}
}

func TestWriteOverBudget(t *testing.T) {
	t.Setenv("TINYFS_DATA_DIR", t.TempDir())
	t.Setenv("TINYFS_SUBPACKAGES_FILE", "")
	t.Setenv("LOG_LEVEL", "error")

	// The default margins take 2MB of the 3MB budget.
	_, err := runCLI(t, strings.Repeat("x", 1_500_000), "--max-size", "3MB", "write", "/cache/big.bin")
	if err == nil || !strings.Contains(err.Error(), "--max-size") {
		t.Errorf("err = %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Setenv("TINYFS_DATA_DIR", t.TempDir())
	t.Setenv("TINYFS_SUBPACKAGES_FILE", "")
	t.Setenv("LOG_LEVEL", "error")
	if _, err := runCLI(t, "", "frobnicate"); err == nil {
		t.Error("expected error")
	}
}
