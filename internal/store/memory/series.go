package memory

import (
	"context"
	"sort"

	"github.com/konzohila/LindebergsHealth/internal/series"
)

type SeriesStore struct {
	*table[*series.Template]
}

func NewSeriesStore() *SeriesStore {
	return &SeriesStore{table: newTable[*series.Template]()}
}

func (s *SeriesStore) ListOpen(ctx context.Context) ([]*series.Template, error) {
	out, err := s.scan(ctx, func(t *series.Template) bool { return !t.Completed })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
