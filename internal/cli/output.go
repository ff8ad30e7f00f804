package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/me/taskforge/pkg/model"
)

// Output formats selected with --output.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes v as JSON or YAML when asked, and otherwise calls table.
func render(w io.Writer, v any, table func(io.Writer)) error {
	switch flagOutput {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// Round-trip through JSON so YAML keys match the API field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	table(w)
	return nil
}

// ago renders t relative to now, or "-" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// summaryLine renders a processing summary as "2/3 done, 1 failed".
func summaryLine(s model.ProcessingSummary) string {
	if s.Total == 0 {
		return "-"
	}
	parts := []string{fmt.Sprintf("%d/%d done", s.Completed+s.Failed, s.Total)}
	if s.Processing > 0 {
		parts = append(parts, fmt.Sprintf("%d running", s.Processing))
	}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", s.Failed))
	}
	return strings.Join(parts, ", ")
}

// countsLine renders instance task counts, skipping zero buckets.
func countsLine(c model.TaskCounts) string {
	parts := []string{fmt.Sprintf("%d total", c.Total)}
	for _, b := range []struct {
		n    int
		name string
	}{
		{c.Created, "created"},
		{c.Submitted, "submitted"},
		{c.Processing, "processing"},
		{c.Completed, "completed"},
		{c.Partial, "partial"},
		{c.Error, "error"},
	} {
		if b.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", b.n, b.name))
		}
	}
	return strings.Join(parts, ", ")
}
