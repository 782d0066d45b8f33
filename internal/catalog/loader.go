// Package catalog loads slide catalog seed files. YAML suits hand-written
// catalogs; Parquet and JSONL suit exports from other systems.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/models"
	"github.com/lehigh-university-libraries/slidezoom/internal/storage"
)

// SeedRow is one catalog row in a Parquet or JSONL seed. Metadata is a JSON
// object encoded as a string.
type SeedRow struct {
	ID          int64  `json:"id" parquet:"id"`
	Title       string `json:"title" parquet:"title"`
	Description string `json:"description" parquet:"description"`
	FilePath    string `json:"file_path" parquet:"file_path"`
	Metadata    string `json:"metadata" parquet:"metadata"`
	CreatedAt   string `json:"created_at" parquet:"created_at"`
}

type seedFile struct {
	Slides []*models.SlideRecord `yaml:"slides"`
}

// Loader reads a seed file
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads every record in the seed file and validates it.
func (l *Loader) Load() ([]*models.SlideRecord, error) {
	var (
		records []*models.SlideRecord
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(l.path)); ext {
	case ".yaml", ".yml":
		records, err = l.loadYAML()
	case ".parquet":
		records, err = l.loadParquet()
	case ".jsonl":
		records, err = l.loadJSONL()
	default:
		return nil, fmt.Errorf("unsupported seed format %q (supported: .yaml, .yml, .parquet, .jsonl): %w", ext, apperr.ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, err
	}

	for i, r := range records {
		if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.FilePath) == "" {
			return nil, fmt.Errorf("seed record %d: title and file_path are required: %w", i+1, apperr.ErrInvalidInput)
		}
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
	}
	slog.Debug("Loaded catalog seed", "path", l.path, "records", len(records))
	return records, nil
}

func (l *Loader) loadYAML() ([]*models.SlideRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return f.Slides, nil
}

func (l *Loader) loadJSONL() ([]*models.SlideRecord, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer file.Close()

	var records []*models.SlideRecord
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row SeedRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse JSON at line %d: %w", lineNum, err)
		}
		r, err := row.Record()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading seed file: %w", err)
	}
	return records, nil
}

func (l *Loader) loadParquet() ([]*models.SlideRecord, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}
	slog.Debug("Parquet seed opened", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[SeedRow](pf)
	defer reader.Close()

	var records []*models.SlideRecord
	rows := make([]SeedRow, 128)
	for {
		n, err := reader.Read(rows)
		for _, row := range rows[:n] {
			r, convErr := row.Record()
			if convErr != nil {
				return nil, convErr
			}
			records = append(records, r)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}
	return records, nil
}

// Record converts a flat seed row into a catalog record.
func (row SeedRow) Record() (*models.SlideRecord, error) {
	r := &models.SlideRecord{
		ID:       row.ID,
		Title:    strings.TrimSpace(row.Title),
		FilePath: strings.TrimSpace(row.FilePath),
		Metadata: map[string]any{},
	}
	if d := strings.TrimSpace(row.Description); d != "" {
		r.Description = &d
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("metadata for %q must be a JSON object: %w", row.FilePath, apperr.ErrInvalidInput)
		}
	}
	if row.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("created_at for %q: %w", row.FilePath, apperr.ErrInvalidInput)
		}
		r.CreatedAt = t.UTC()
	}
	return r, nil
}

// Seed loads path and imports it into store.
func Seed(ctx context.Context, store storage.SlideStore, path string) (int, error) {
	records, err := NewLoader(path).Load()
	if err != nil {
		return 0, err
	}
	if err := store.Import(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to import catalog seed: %w", err)
	}
	slog.Info("Catalog seeded", "path", path, "records", len(records))
	return len(records), nil
}
