package reservations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMemory_ReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewSampleMemory()

	list, err := repo.CustomerReservations(ctx, "12345")
	if err != nil || len(list) != 2 {
		t.Fatalf("CustomerReservations=%v err=%v", list, err)
	}

	checkIn := time.Date(2026, 11, 11, 0, 0, 0, 0, time.UTC)
	next, err := repo.ChangeReservation(ctx, ReservationChange{CurrentID: 1001, RoomType: "Suite", CheckIn: checkIn, CheckOut: checkIn.AddDate(0, 0, 2)})
	if err != nil {
		t.Fatalf("ChangeReservation: %v", err)
	}
	if next.RoomType != "Suite" || next.HotelID != "H-SEA-01" || next.Status != StatusBooked || next.ID == 1001 {
		t.Fatalf("next=%+v", next)
	}
	if _, err := repo.Reservation(ctx, 1001); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old reservation still active: err=%v", err)
	}
	if _, err := repo.ChangeReservation(ctx, ReservationChange{CurrentID: 1001}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second change of cancelled reservation err=%v", err)
	}
	got, err := repo.Reservation(ctx, next.ID)
	if err != nil || got.RoomType != "Suite" {
		t.Fatalf("Reservation(new)=%+v err=%v", got, err)
	}
}

func TestMemory_FlightLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewSampleMemory()

	f, err := repo.FlightStatus(ctx, "AA479", "SEA")
	if err != nil || f.TicketNum != "8801234567" {
		t.Fatalf("FlightStatus=%+v err=%v", f, err)
	}
	if _, err := repo.FlightStatus(ctx, "AA479", "LAX"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong airport err=%v", err)
	}

	dep := time.Date(2026, 11, 9, 7, 30, 0, 0, time.UTC)
	next, err := repo.ChangeFlight(ctx, FlightChange{TicketNum: "8801234567", FlightNum: "AA490", DepartureTime: dep, ArrivalTime: dep.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("ChangeFlight: %v", err)
	}
	if next.FlightNum != "AA490" || next.SeatNum != "14C" || next.TicketNum == "8801234567" {
		t.Fatalf("next=%+v", next)
	}
	flights, _ := repo.CustomerFlights(ctx, "12345")
	if len(flights) != 1 || flights[0].FlightNum != "AA490" {
		t.Fatalf("flights=%+v", flights)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	raw, err := fs.ReadFile(migrations, "migrations/00001_reservations.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(raw), "-- +goose Up") || !strings.Contains(string(raw), "-- +goose Down") {
		t.Fatalf("migration missing goose annotations")
	}
}

func TestPostgres_Integration(t *testing.T) {
	dsn := os.Getenv("VAI_RELAY_TEST_RESERVATIONS_DSN")
	if dsn == "" {
		t.Skip("VAI_RELAY_TEST_RESERVATIONS_DSN not set")
	}
	ctx := context.Background()
	repo, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer repo.Close()

	if _, err := repo.Reservation(ctx, -1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reservation(-1) err=%v, want ErrNotFound", err)
	}
	if list, err := repo.CustomerFlights(ctx, "nobody"); err != nil || len(list) != 0 {
		t.Fatalf("CustomerFlights(nobody)=%v err=%v", list, err)
	}
}
