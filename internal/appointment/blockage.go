package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

// BlockageService maintains blockages. The booking engine only reads them.
type BlockageService struct {
	versioner *record.Versioner[*Blockage]
	blocks    BlockageStore
}

func NewBlockageService(blocks BlockageStore, deps record.Deps) *BlockageService {
	return &BlockageService{
		versioner: record.NewVersioner[*Blockage]("blockage", blocks, deps),
		blocks:    blocks,
	}
}

func (s *BlockageService) Create(ctx context.Context, b *Blockage, actor uuid.UUID) (*Blockage, error) {
	if b.ReasonCode == "" {
		b.ReasonCode = ReasonOther
	}
	if !b.ReasonCode.Valid() {
		return nil, invalid("reason_code", "unknown code "+string(b.ReasonCode))
	}
	if b.Start.IsZero() || b.End.IsZero() {
		return nil, invalid("start", "start and end are required")
	}
	if b.WholeDay {
		if b.End.Before(b.Start) {
			return nil, invalid("end", "must not precede start")
		}
	} else if !b.End.After(b.Start) {
		return nil, invalid("end", "must be after start")
	}
	return s.versioner.Create(ctx, b, actor, "blockage created")
}

func (s *BlockageService) Get(ctx context.Context, id uuid.UUID) (*Blockage, error) {
	return s.versioner.Load(ctx, id)
}

func (s *BlockageService) Delete(ctx context.Context, id uuid.UUID, actor uuid.UUID, reason string) (*Blockage, error) {
	return s.versioner.SoftDelete(ctx, id, actor, reason)
}

func (s *BlockageService) List(ctx context.Context, from, to time.Time) ([]*Blockage, error) {
	blocks, err := s.blocks.ListBlockages(ctx, from, to)
	if err != nil {
		return nil, record.Classify("list blockages", err)
	}
	return blocks, nil
}
