package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/taskforge/internal/store"
	"github.com/me/taskforge/pkg/model"
)

const sampleYAML = `
pipelines:
  - name: calibration
    description: two-step calibration
    modules:
      - name: dark
        command: ["dark-correct"]
        inputs:
          kind: glob
          dir: raw
          pattern: "*.fits"
          per_subtask: 2
      - name: flat
        executor: local
        command: ["flat-field", "--strict"]
        inputs:
          kind: glob
          pattern: "st-*/*.fits"
        outputs: fits
  - name: single
    modules:
      - name: only
        command: ["true"]
        inputs:
          kind: single
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defs := c.List()
	if len(defs) != 2 || defs[0].Name != "calibration" || defs[1].Name != "single" {
		t.Fatalf("List = %v", defs)
	}

	dark, err := c.Module("calibration", 0)
	if err != nil {
		t.Fatal(err)
	}
	if dark.Executor != model.ExecutorTypeLocal {
		t.Errorf("default executor = %q, want local", dark.Executor)
	}
	if dark.Inputs.PerSubtask != 2 || dark.Inputs.Pattern != "*.fits" {
		t.Errorf("inputs = %+v", dark.Inputs)
	}
	if dark.OutputKind() != "files" {
		t.Errorf("default output kind = %q", dark.OutputKind())
	}

	flat, _ := c.Module("calibration", 1)
	if flat.OutputKind() != "fits" || len(flat.Command) != 2 {
		t.Errorf("flat = %+v", flat)
	}

	if _, err := c.Module("calibration", 2); err == nil {
		t.Error("expected error for missing module index")
	}
	if _, err := c.Module("nope", 0); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "pipelines:\n  - name: p\n    colour: red\n", "field colour not found"},
		{"no name", "pipelines:\n  - modules: []\n", "without a name"},
		{"no modules", "pipelines:\n  - name: p\n", "no modules"},
		{"no command", "pipelines:\n  - name: p\n    modules:\n      - name: m\n        inputs: {kind: list}\n", "no command"},
		{"no inputs kind", "pipelines:\n  - name: p\n    modules:\n      - name: m\n        command: [x]\n", "no inputs kind"},
		{"duplicate module", "pipelines:\n  - name: p\n    modules:\n      - {name: m, command: [x], inputs: {kind: list}}\n      - {name: m, command: [x], inputs: {kind: list}}\n", "more than once"},
		{"duplicate pipeline", "pipelines:\n  - {name: p, modules: [{name: m, command: [x], inputs: {kind: list}}]}\n  - {name: p, modules: [{name: m, command: [x], inputs: {kind: list}}]}\n", "more than once"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Get("single") == nil {
		t.Error("single pipeline missing")
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParse_Empty(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if len(c.List()) != 0 {
		t.Error("expected empty catalog")
	}
}

func TestFire(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	workRoot := t.TempDir()
	l := NewLauncher(st, c, workRoot, logger)

	inst, err := l.Fire(context.Background(), "calibration", "night-1")
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !strings.HasPrefix(inst.ID, "inst_") {
		t.Errorf("id = %q", inst.ID)
	}

	got, err := st.GetInstance(context.Background(), inst.ID)
	if err != nil || got == nil {
		t.Fatalf("GetInstance = (%v, %v)", got, err)
	}
	if got.Name != "night-1" || got.State != model.InstanceStateInitialized {
		t.Errorf("instance = %q %q", got.Name, got.State)
	}
	if got.TaskCounts.Created != 2 {
		t.Errorf("counts = %+v", got.TaskCounts)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(got.Tasks))
	}
	flat := got.Tasks[1]
	if flat.ModuleName != "flat" || flat.ModuleIndex != 1 || flat.State != model.TaskStateCreated {
		t.Errorf("task = %+v", flat)
	}
	wantDir := filepath.Join(workRoot, inst.ID, "1-flat")
	if flat.WorkingDir != wantDir {
		t.Errorf("working dir = %q, want %q", flat.WorkingDir, wantDir)
	}

	_, err = l.Fire(context.Background(), "missing", "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}
