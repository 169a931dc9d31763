package reservations

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// Memory is a Repository for demos and tests.
type Memory struct {
	mu           sync.Mutex
	reservations map[int64]Reservation
	flights      map[string]Flight
	nextID       func() int64
	nextTicket   func() string
}

func NewMemory(reservations []Reservation, flights []Flight) *Memory {
	m := &Memory{
		reservations: make(map[int64]Reservation, len(reservations)),
		flights:      make(map[string]Flight, len(flights)),
		nextID:       func() int64 { return 100000 + rand.Int64N(900000) },
		nextTicket:   func() string { return fmt.Sprintf("%d", 1000000000+rand.Int64N(9000000000)) },
	}
	for _, r := range reservations {
		m.reservations[r.ID] = r
	}
	for _, f := range flights {
		m.flights[f.TicketNum] = f
	}
	return m
}

// NewSampleMemory returns a repository seeded with the demo customer's bookings.
func NewSampleMemory() *Memory {
	day := func(s string) time.Time {
		t, _ := time.Parse("2006-01-02", s)
		return t
	}
	at := func(s string) time.Time {
		t, _ := time.Parse("2006-01-02 15:04", s)
		return t
	}
	return NewMemory(
		[]Reservation{
			{ID: 1001, CustomerID: "12345", HotelID: "H-SEA-01", RoomType: "Standard", CheckIn: day("2026-11-10"), CheckOut: day("2026-11-14"), Status: StatusBooked},
			{ID: 1002, CustomerID: "12345", HotelID: "H-NYC-07", RoomType: "Deluxe", CheckIn: day("2026-12-20"), CheckOut: day("2026-12-23"), Status: StatusBooked},
		},
		[]Flight{
			{TicketNum: "8801234567", CustomerID: "12345", FlightNum: "AA479", Airline: "American Airlines", SeatNum: "14C",
				DepartureAirport: "SEA", ArrivalAirport: "JFK", DepartureTime: at("2026-11-09 08:30"), ArrivalTime: at("2026-11-09 16:55"),
				TicketClass: "economy", Gate: "B7", Status: StatusOpen},
		},
	)
}

func (m *Memory) Reservation(_ context.Context, id int64) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok || r.Status != StatusBooked {
		return Reservation{}, fmt.Errorf("reservation %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) CustomerReservations(_ context.Context, customerID string) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.reservations {
		if r.CustomerID == customerID && r.Status == StatusBooked {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ChangeReservation(_ context.Context, ch ReservationChange) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.reservations[ch.CurrentID]
	if !ok || old.Status != StatusBooked {
		return Reservation{}, fmt.Errorf("reservation %d: %w", ch.CurrentID, ErrNotFound)
	}
	old.Status = StatusCancelled
	m.reservations[old.ID] = old

	id := m.nextID()
	for _, taken := m.reservations[id]; taken; _, taken = m.reservations[id] {
		id = m.nextID()
	}
	next := Reservation{
		ID:         id,
		CustomerID: old.CustomerID,
		HotelID:    old.HotelID,
		RoomType:   ch.RoomType,
		CheckIn:    ch.CheckIn,
		CheckOut:   ch.CheckOut,
		Status:     StatusBooked,
	}
	m.reservations[id] = next
	return next, nil
}

func (m *Memory) FlightStatus(_ context.Context, flightNum, from string) (Flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.flights {
		if f.FlightNum == flightNum && f.DepartureAirport == from && f.Status == StatusOpen {
			return f, nil
		}
	}
	return Flight{}, fmt.Errorf("flight %s from %s: %w", flightNum, from, ErrNotFound)
}

func (m *Memory) CustomerFlights(_ context.Context, customerID string) ([]Flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Flight
	for _, f := range m.flights {
		if f.CustomerID == customerID && f.Status == StatusOpen {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.Before(out[j].DepartureTime) })
	return out, nil
}

func (m *Memory) ChangeFlight(_ context.Context, ch FlightChange) (Flight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.flights[ch.TicketNum]
	if !ok || old.Status != StatusOpen {
		return Flight{}, fmt.Errorf("ticket %s: %w", ch.TicketNum, ErrNotFound)
	}
	old.Status = StatusCancelled
	m.flights[old.TicketNum] = old

	next := old
	next.TicketNum = m.nextTicket()
	next.FlightNum = ch.FlightNum
	next.DepartureTime = ch.DepartureTime
	next.ArrivalTime = ch.ArrivalTime
	next.Status = StatusOpen
	m.flights[next.TicketNum] = next
	return next, nil
}

func (m *Memory) Close() error { return nil }
