package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
)

// SlideRecord represents a catalogued slide
type SlideRecord struct {
	ID          int64          `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Description *string        `json:"description" yaml:"description,omitempty"`
	FilePath    string         `json:"file_path" yaml:"file_path"` // relative to the storage root
	Metadata    map[string]any `json:"metadata" yaml:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
}

// NewSlide is the payload accepted when registering a slide
type NewSlide struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	Metadata    any    `json:"metadata"`
}

// Record validates the payload and turns it into a record without an ID.
func (n NewSlide) Record(now time.Time) (*SlideRecord, error) {
	title := strings.TrimSpace(n.Title)
	filePath := strings.TrimSpace(n.FilePath)
	if title == "" || filePath == "" {
		return nil, fmt.Errorf("title and file_path are required: %w", apperr.ErrInvalidInput)
	}

	metadata := map[string]any{}
	if n.Metadata != nil {
		m, ok := n.Metadata.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metadata must be an object: %w", apperr.ErrInvalidInput)
		}
		metadata = m
	}

	record := &SlideRecord{
		Title:     title,
		FilePath:  filePath,
		Metadata:  metadata,
		CreatedAt: now.UTC(),
	}
	if d := strings.TrimSpace(n.Description); d != "" {
		record.Description = &d
	}
	return record, nil
}
