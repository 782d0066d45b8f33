// Package storage holds the slide catalog: the mapping from a numeric slide
// id to the file that backs it.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/models"
)

// SlideStore is a slide catalog. Get returns apperr.ErrNotFound for unknown
// ids.
type SlideStore interface {
	// List returns the newest slides first.
	List(ctx context.Context) ([]*models.SlideRecord, error)
	Get(ctx context.Context, id int64) (*models.SlideRecord, error)
	Create(ctx context.Context, slide models.NewSlide) (*models.SlideRecord, error)
	// Import stores records as given, keeping their ids. Records with id 0
	// get a new one.
	Import(ctx context.Context, records []*models.SlideRecord) error
	Close()
}

type MemoryStore struct {
	slides map[int64]*models.SlideRecord
	nextID int64
	mu     sync.RWMutex
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slides: make(map[int64]*models.SlideRecord),
		nextID: 1,
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*models.SlideRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slide, exists := s.slides[id]
	if !exists {
		return nil, fmt.Errorf("slide %d: %w", id, apperr.ErrNotFound)
	}
	c := *slide
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.SlideRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.SlideRecord, 0, len(s.slides))
	for _, v := range s.slides {
		c := *v
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) Create(_ context.Context, slide models.NewSlide) (*models.SlideRecord, error) {
	record, err := slide.Record(s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = s.nextID
	s.nextID++
	s.slides[record.ID] = record
	c := *record
	return &c, nil
}

func (s *MemoryStore) Import(_ context.Context, records []*models.SlideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		c := *r
		if c.ID == 0 {
			c.ID = s.nextID
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now().UTC()
		}
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
		s.slides[c.ID] = &c
	}
	return nil
}

func (s *MemoryStore) Close() {}
