package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/memory"
	"github.com/Lllllllleong/docstream/internal/models"
)

// ErrCursorClosed is returned by a closed cursor.
var ErrCursorClosed = errors.New("cursor is closed")

// GroupUnit is one unit inside a group. Exactly one of Handle and Err is set.
type GroupUnit struct {
	Index  int
	Handle document.Unit
	Err    error
}

// UnitGroup is a bounded window of consecutive units. Its handles are
// valid until Release is called or the cursor advances.
type UnitGroup struct {
	Seq        int
	Start      int
	Units      []GroupUnit
	ChunkSize  int
	Downgraded bool

	reserved int64
	acct     *memory.Accountant
	released bool
}

// End is the index one past the group's last unit.
func (g *UnitGroup) End() int {
	return g.Start + len(g.Units)
}

// Release frees every unit handle and returns the group's reservation.
// It is idempotent.
func (g *UnitGroup) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	for i := range g.Units {
		if g.Units[i].Handle != nil {
			g.Units[i].Handle.Release()
			g.Units[i].Handle = nil
		}
	}
	g.acct.Release(g.reserved)
	g.reserved = 0
}

// StreamEngine opens bounded, pull-based cursors over documents.
type StreamEngine struct {
	opener     document.Opener
	accountant *memory.Accountant
	logger     *slog.Logger
}

// NewStreamEngine returns an engine that accounts memory in accountant.
func NewStreamEngine(opener document.Opener, accountant *memory.Accountant, logger *slog.Logger) *StreamEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamEngine{opener: opener, accountant: accountant, logger: logger}
}

// Open returns a cursor positioned at start. Failure to open the document
// is a DocumentIO error.
func (e *StreamEngine) Open(ctx context.Context, path string, plan models.ProcessingPlan, start int) (*Cursor, error) {
	if plan.ChunkSize < 1 {
		return nil, fmt.Errorf("invalid plan: chunk size %d", plan.ChunkSize)
	}
	handle, err := e.opener.Open(ctx, path)
	if err != nil {
		if docerr.IsKind(err, docerr.KindDocumentIO) {
			return nil, err
		}
		return nil, docerr.DocumentIO("failed to open document", err)
	}
	c := &Cursor{
		handle:  handle,
		plan:    plan,
		acct:    e.accountant,
		logger:  e.logger.With("documentPath", path),
		total:   handle.UnitCount(),
		perUnit: max(plan.PerUnitSizeEstimate, 1),
	}
	if err := c.Restart(start); err != nil {
		handle.Close()
		return nil, err
	}
	return c, nil
}

// Cursor yields unit groups in increasing index order. It is not safe
// for concurrent use.
type Cursor struct {
	handle  document.Handle
	plan    models.ProcessingPlan
	acct    *memory.Accountant
	logger  *slog.Logger
	total   int
	perUnit int64

	next       int
	seq        int
	current    *UnitGroup
	downgrades int
	closed     bool
}

// UnitCount is the number of units in the document.
func (c *Cursor) UnitCount() int {
	return c.total
}

// Position is the index of the next unit to be produced.
func (c *Cursor) Position() int {
	return c.next
}

// Downgrades is the number of groups produced with a reduced chunk size.
func (c *Cursor) Downgrades() int {
	return c.downgrades
}

// Restart releases the current group and repositions the cursor.
func (c *Cursor) Restart(index int) error {
	if c.closed {
		return ErrCursorClosed
	}
	if index < 0 || index > c.total {
		return fmt.Errorf("restart index %d out of range [0,%d]", index, c.total)
	}
	c.current.Release()
	c.current = nil
	c.next = index
	return nil
}

// Next releases the previous group and materializes the next one. It
// returns io.EOF after the last unit. Unit decode failures are reported
// inside the group; a DocumentIO error ends the sequence.
func (c *Cursor) Next(ctx context.Context) (*UnitGroup, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	c.current.Release()
	c.current = nil

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.next >= c.total {
		return nil, io.EOF
	}

	size, downgraded := c.groupSize()
	group := &UnitGroup{
		Seq:        c.seq,
		Start:      c.next,
		ChunkSize:  size,
		Downgraded: downgraded,
		Units:      make([]GroupUnit, 0, size),
		acct:       c.acct,
	}
	group.reserved = int64(size) * c.perUnit
	c.acct.Reserve(group.reserved)

	for index := c.next; index < c.next+size; index++ {
		unit, err := c.handle.Unit(index)
		switch {
		case err == nil:
			group.Units = append(group.Units, GroupUnit{Index: index, Handle: unit})
		case docerr.IsKind(err, docerr.KindDocumentIO):
			group.Release()
			return nil, err
		default:
			if !docerr.IsKind(err, docerr.KindUnitDecode) {
				err = docerr.UnitDecode(index, err)
			}
			c.logger.Warn("Unit failed to decode. Continuing.", "unit", index, "error", err)
			group.Units = append(group.Units, GroupUnit{Index: index, Err: err})
		}
	}

	c.next += size
	c.seq++
	c.current = group
	return group, nil
}

// groupSize applies the memory ceiling to the plan's chunk size for the
// next group: halve once, then fall back to whatever still fits.
func (c *Cursor) groupSize() (int, bool) {
	size := min(c.plan.ChunkSize, c.total-c.next)
	budget := c.acct.Budget()
	baseline := c.acct.Current()
	if baseline+int64(size)*c.perUnit <= budget {
		return size, false
	}

	reduced := max(size/2, 1)
	if baseline+int64(reduced)*c.perUnit > budget {
		fit := (budget - baseline) / c.perUnit
		reduced = int(max(min(fit, int64(reduced)), 1))
	}
	if reduced == size {
		return size, false
	}
	c.downgrades++
	c.logger.Warn("Chunk size downgraded to stay within the memory budget.",
		"group", c.seq,
		"planned", size,
		"effective", reduced,
		"baselineBytes", baseline,
		"budgetBytes", budget,
	)
	return reduced, true
}

// Close releases the current group and the document handle.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.current.Release()
	c.current = nil
	return c.handle.Close()
}
