// Package reservations backs the hotel and airline tools.
package reservations

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("reservation not found")

const (
	StatusBooked    = "booked"
	StatusOpen      = "open"
	StatusCancelled = "cancelled"
)

type Reservation struct {
	ID         int64     `json:"reservation_id"`
	CustomerID string    `json:"customer_id"`
	HotelID    string    `json:"hotel_id"`
	RoomType   string    `json:"room_type"`
	CheckIn    time.Time `json:"check_in_date"`
	CheckOut   time.Time `json:"check_out_date"`
	Status     string    `json:"status"`
}

type Flight struct {
	TicketNum        string    `json:"ticket_num"`
	CustomerID       string    `json:"customer_id"`
	FlightNum        string    `json:"flight_num"`
	Airline          string    `json:"airline"`
	SeatNum          string    `json:"seat_num"`
	DepartureAirport string    `json:"departure_airport"`
	ArrivalAirport   string    `json:"arrival_airport"`
	DepartureTime    time.Time `json:"departure_time"`
	ArrivalTime      time.Time `json:"arrival_time"`
	TicketClass      string    `json:"ticket_class"`
	Gate             string    `json:"gate"`
	Status           string    `json:"status"`
}

// ReservationChange replaces a booked reservation with a new one.
type ReservationChange struct {
	CurrentID int64
	RoomType  string
	CheckIn   time.Time
	CheckOut  time.Time
}

// FlightChange moves an open ticket to another flight.
type FlightChange struct {
	TicketNum     string
	FlightNum     string
	DepartureTime time.Time
	ArrivalTime   time.Time
}

// Repository only returns active bookings: booked hotel reservations and open
// flight tickets. Changes cancel the old booking and create a new one atomically.
type Repository interface {
	Reservation(ctx context.Context, id int64) (Reservation, error)
	CustomerReservations(ctx context.Context, customerID string) ([]Reservation, error)
	ChangeReservation(ctx context.Context, ch ReservationChange) (Reservation, error)

	FlightStatus(ctx context.Context, flightNum, from string) (Flight, error)
	CustomerFlights(ctx context.Context, customerID string) ([]Flight, error)
	ChangeFlight(ctx context.Context, ch FlightChange) (Flight, error)

	Close() error
}
