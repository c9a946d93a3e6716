package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/konzohila/LindebergsHealth/internal/appointment"
	"github.com/konzohila/LindebergsHealth/internal/record"
)

type AppointmentStore struct {
	*table[*appointment.Appointment]
}

func NewAppointmentStore() *AppointmentStore {
	return &AppointmentStore{table: newTable[*appointment.Appointment]()}
}

func (s *AppointmentStore) ListAppointments(ctx context.Context, filter appointment.AppointmentFilter) ([]*appointment.Appointment, error) {
	out, err := s.scan(ctx, filter.Matches)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

type BlockageStore struct {
	*table[*appointment.Blockage]
}

func NewBlockageStore() *BlockageStore {
	return &BlockageStore{table: newTable[*appointment.Blockage]()}
}

func (s *BlockageStore) ListBlockages(ctx context.Context, from, to time.Time) ([]*appointment.Blockage, error) {
	out, err := s.scan(ctx, func(b *appointment.Blockage) bool {
		return b.Start.Before(to) && b.End.After(from)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// EventStore keeps change records in insertion order.
type EventStore struct {
	mu     sync.Mutex
	nextID int64
	events []appointment.EventLog
}

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	if err := ctx.Err(); err != nil {
		return record.Unavailable("insert event", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of all recorded change records.
func (s *EventStore) Events() []appointment.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appointment.EventLog(nil), s.events...)
}
