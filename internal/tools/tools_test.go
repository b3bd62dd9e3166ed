package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistry_RegisterExecute(t *testing.T) {
	reg := NewRegistry()
	ws := t.TempDir()
	reg.Register(NewReadFileTool(ws, true))
	reg.Register(NewExecTool(ws))

	names := reg.Names()
	if len(names) != 2 || names[0] != "exec" || names[1] != "read_file" {
		t.Errorf("names = %v", names)
	}

	if _, err := reg.Execute(context.Background(), "nope", nil); err == nil {
		t.Error("unknown tool executed")
	}
	if _, err := reg.Describe("read_file"); err != nil {
		t.Errorf("describe: %v", err)
	}
}

func TestReadFileTool(t *testing.T) {
	ws := t.TempDir()
	os.WriteFile(filepath.Join(ws, "note.txt"), []byte("hello"), 0o644)
	tool := NewReadFileTool(ws, true)

	res, err := tool.Execute(context.Background(), map[string]any{"path": "note.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Text() != "hello" {
		t.Errorf("result = %+v", res)
	}

	// Workspace restriction.
	res, _ = tool.Execute(context.Background(), map[string]any{"path": "../outside.txt"})
	if !res.IsError {
		t.Error("path escape not refused")
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"path": "missing.txt"})
	if !res.IsError {
		t.Error("missing file not reported as error result")
	}
}

func TestExecTool(t *testing.T) {
	tool := NewExecTool(t.TempDir())

	res, err := tool.Execute(context.Background(), map[string]any{"command": "echo vargos"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || strings.TrimSpace(res.Text()) != "vargos" {
		t.Errorf("result = %+v", res)
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"command": "exit 3"})
	if !res.IsError {
		t.Error("nonzero exit not reported as error result")
	}

	res, _ = tool.Execute(context.Background(), map[string]any{
		"command":        "sleep 5",
		"timeoutSeconds": 0.05,
	})
	if !res.IsError || !strings.Contains(res.Text(), "timed out") {
		t.Errorf("timeout not enforced: %+v", res)
	}
}
