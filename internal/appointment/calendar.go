package appointment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/konzohila/LindebergsHealth/internal/record"
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps uses the half-open rule, so back-to-back intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Clip returns the part of i inside bounds.
func (i Interval) Clip(bounds Interval) Interval {
	out := i
	if out.Start.Before(bounds.Start) {
		out.Start = bounds.Start
	}
	if out.End.After(bounds.End) {
		out.End = bounds.End
	}
	return out
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

type ResourceKind string

const (
	ResourceStaff ResourceKind = "staff"
	ResourceRoom  ResourceKind = "room"
)

func (k ResourceKind) Valid() bool {
	return k == ResourceStaff || k == ResourceRoom
}

type Resource struct {
	Kind ResourceKind `json:"kind"`
	ID   uuid.UUID    `json:"id"`
}

func Staff(id uuid.UUID) Resource { return Resource{Kind: ResourceStaff, ID: id} }
func Room(id uuid.UUID) Resource  { return Resource{Kind: ResourceRoom, ID: id} }

func (r Resource) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

// blockageLookaround widens blockage queries so whole-day spans that start
// before their raw start, or end after their raw end, are still found.
const blockageLookaround = 48 * time.Hour

// Calendar answers busy questions for a single resource.
type Calendar struct {
	appts  AppointmentStore
	blocks BlockageStore
	loc    *time.Location
}

func NewCalendar(appts AppointmentStore, blocks BlockageStore, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{appts: appts, blocks: blocks, loc: loc}
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Collisions returns every busy interval of res overlapping window, sorted by
// start. The appointment excludeID is ignored; pass uuid.Nil to keep all.
func (c *Calendar) Collisions(ctx context.Context, res Resource, window Interval, excludeID uuid.UUID) ([]Interval, error) {
	filter := AppointmentFilter{
		From:     &window.Start,
		To:       &window.End,
		Statuses: occupyingStatuses,
	}
	switch res.Kind {
	case ResourceStaff:
		filter.StaffID = &res.ID
	case ResourceRoom:
		filter.RoomID = &res.ID
	default:
		return nil, invalid("resource_kind", fmt.Sprintf("unknown kind %q", res.Kind))
	}

	appts, err := c.appts.ListAppointments(ctx, filter)
	if err != nil {
		return nil, record.Classify("list appointments", err)
	}

	var busy []Interval
	for _, a := range appts {
		if a.ID == excludeID || a.Deleted || !a.Status.Occupies() {
			continue
		}
		iv := a.Interval()
		if iv.Overlaps(window) {
			busy = append(busy, iv)
		}
	}

	blocks, err := c.blocks.ListBlockages(ctx, window.Start.Add(-blockageLookaround), window.End.Add(blockageLookaround))
	if err != nil {
		return nil, record.Classify("list blockages", err)
	}
	for _, b := range blocks {
		if b.Deleted || !b.AppliesTo(res) {
			continue
		}
		span := b.Span(c.loc)
		if span.Overlaps(window) {
			busy = append(busy, span)
		}
	}

	sort.Slice(busy, func(i, j int) bool {
		if busy[i].Start.Equal(busy[j].Start) {
			return busy[i].End.Before(busy[j].End)
		}
		return busy[i].Start.Before(busy[j].Start)
	})
	return busy, nil
}

func (c *Calendar) IsBusy(ctx context.Context, res Resource, start, end time.Time) (bool, error) {
	busy, err := c.Collisions(ctx, res, Interval{Start: start, End: end}, uuid.Nil)
	if err != nil {
		return false, err
	}
	return len(busy) > 0, nil
}

// BusyIntervals lists the busy intervals of res on day's calendar date,
// clipped to that day. Intervals are not merged.
func (c *Calendar) BusyIntervals(ctx context.Context, res Resource, day time.Time) ([]Interval, error) {
	start := Midnight(day, c.loc)
	bounds := Interval{Start: start, End: start.AddDate(0, 0, 1)}

	busy, err := c.Collisions(ctx, res, bounds, uuid.Nil)
	if err != nil {
		return nil, err
	}
	for i := range busy {
		busy[i] = busy[i].Clip(bounds)
	}
	return busy, nil
}
