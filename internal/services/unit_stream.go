package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/docstream/internal/memory"
	"github.com/Lllllllleong/docstream/internal/models"
)

// ErrAborted is returned by Stream when the selected strategy is Abort.
var ErrAborted = errors.New("document processing aborted")

// UnitStream is a lazy sequence of processed units in index order.
type UnitStream struct {
	Profile models.DocumentProfile
	Plan    models.ProcessingPlan

	cursor    *Cursor
	escalator *Escalator
	coord     *Coordinator
	rs        *runState
	group     *UnitGroup
	pos       int
}

// Stream assesses the document and returns a lazy sequence of its units.
// Units are extracted only when Next is called. No checkpoints are written.
func (c *Coordinator) Stream(ctx context.Context, path string) (*UnitStream, error) {
	profile, plan, err := c.plan(ctx, path)
	if err != nil {
		return nil, err
	}
	if plan.Strategy == models.StrategyAbort {
		return nil, fmt.Errorf("%w: %s", ErrAborted, plan.AbortReason)
	}
	cursor, err := NewStreamEngine(c.opener, memory.NewAccountant(c.budget), c.logger).Open(ctx, path, plan, 0)
	if err != nil {
		return nil, err
	}
	return &UnitStream{
		Profile:   profile,
		Plan:      plan,
		cursor:    cursor,
		escalator: c.escalator(),
		coord:     c,
		rs: &runState{
			path:    path,
			last:    -1,
			total:   profile.UnitCount,
			metrics: models.NewRunMetrics(),
			logger:  c.logger.With("documentPath", path),
		},
	}, nil
}

// Next returns the next unit, or io.EOF after the last one. A failed unit
// is returned with Err set; only document-level errors are returned as err.
func (s *UnitStream) Next(ctx context.Context) (*models.Unit, error) {
	for s.group == nil || s.pos >= len(s.group.Units) {
		group, err := s.cursor.Next(ctx)
		if err != nil {
			s.group = nil
			return nil, err
		}
		s.group = group
		s.pos = 0
	}
	gu := s.group.Units[s.pos]
	s.pos++
	unit := s.coord.processUnit(context.WithoutCancel(ctx), gu, s.Plan, s.Profile.ComplexityScore, s.escalator, s.rs)
	s.rs.last = gu.Index
	if s.coord.progress != nil {
		s.coord.progress(s.rs.path, gu.Index+1, s.rs.total)
	}
	return &unit, nil
}

// Metrics returns a snapshot of the metrics accumulated so far.
func (s *UnitStream) Metrics() models.RunMetrics {
	m := s.rs.metrics.Clone()
	m.ChunkDowngrades = s.cursor.Downgrades()
	return m
}

// Close releases the underlying document.
func (s *UnitStream) Close() error {
	s.group = nil
	return s.cursor.Close()
}
