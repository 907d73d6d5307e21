package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// PassReport summarises one extractor pass.
type PassReport struct {
	Extractor   string         `json:"extractor"`
	Parallelism int            `json:"parallelism"`
	WithRank    bool           `json:"with_rank"`
	Rows        map[string]int `json:"rows"`
	Seconds     float64        `json:"seconds"`
}

// Report is written once per run next to the other run outputs.
type Report struct {
	RunID         string         `json:"run_id"`
	Command       string         `json:"command"`
	Dataset       string         `json:"dataset"`
	Configuration string         `json:"configuration,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Splits        map[string]int `json:"splits"`
	Columns       []string       `json:"columns,omitempty"`
	Passes        []PassReport   `json:"passes,omitempty"`
	Placeholders  map[string]int `json:"placeholders,omitempty"`
	OutputDir     string         `json:"output_dir,omitempty"`
	RepoID        string         `json:"repo_id,omitempty"`
}

func newReport(command, dataset, configuration string) *Report {
	return &Report{
		RunID:         uuid.NewString(),
		Command:       command,
		Dataset:       dataset,
		Configuration: configuration,
		StartedAt:     time.Now().UTC(),
	}
}

func mkRunDir(outputsRoot, runID string) (string, error) {
	dir := filepath.Join(outputsRoot, "run_"+runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// persist stamps r as finished and writes it to <outputsRoot>/run_<id>/report.json.
func persist(outputsRoot string, r *Report) (string, error) {
	r.FinishedAt = time.Now().UTC()
	dir, err := mkRunDir(outputsRoot, r.RunID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "report.json")
	if err := writeJSON(path, r); err != nil {
		return "", err
	}
	return path, nil
}
