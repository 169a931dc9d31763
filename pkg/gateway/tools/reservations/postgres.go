package reservations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is the production Repository.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect reservations db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping reservations db: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate reservations db: %w", err)
	}
	return nil
}

const reservationColumns = `id, customer_id, hotel_id, room_type, check_in_date, check_out_date, status`

const flightColumns = `ticket_num, customer_id, flight_num, airline, seat_num, departure_airport, arrival_airport,
	departure_time, arrival_time, ticket_class, gate, status`

func scanReservation(row pgx.Row) (Reservation, error) {
	var r Reservation
	err := row.Scan(&r.ID, &r.CustomerID, &r.HotelID, &r.RoomType, &r.CheckIn, &r.CheckOut, &r.Status)
	return r, err
}

func scanFlight(row pgx.Row) (Flight, error) {
	var f Flight
	err := row.Scan(&f.TicketNum, &f.CustomerID, &f.FlightNum, &f.Airline, &f.SeatNum, &f.DepartureAirport,
		&f.ArrivalAirport, &f.DepartureTime, &f.ArrivalTime, &f.TicketClass, &f.Gate, &f.Status)
	return f, err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (p *Postgres) Reservation(ctx context.Context, id int64) (Reservation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 AND status = $2`, id, StatusBooked)
	r, err := scanReservation(row)
	if err != nil {
		return Reservation{}, notFound(err, fmt.Sprintf("reservation %d", id))
	}
	return r, nil
}

func (p *Postgres) CustomerReservations(ctx context.Context, customerID string) ([]Reservation, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE customer_id = $1 AND status = $2 ORDER BY id`, customerID, StatusBooked)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reservation, error) { return scanReservation(row) })
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

func (p *Postgres) ChangeReservation(ctx context.Context, ch ReservationChange) (Reservation, error) {
	var next Reservation
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		old, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 AND status = $2 FOR UPDATE`, ch.CurrentID, StatusBooked))
		if err != nil {
			return notFound(err, fmt.Sprintf("reservation %d", ch.CurrentID))
		}
		if _, err := tx.Exec(ctx, `UPDATE reservations SET status = $1 WHERE id = $2`, StatusCancelled, old.ID); err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}
		next = Reservation{
			ID:         100000 + rand.Int64N(900000),
			CustomerID: old.CustomerID,
			HotelID:    old.HotelID,
			RoomType:   ch.RoomType,
			CheckIn:    ch.CheckIn,
			CheckOut:   ch.CheckOut,
			Status:     StatusBooked,
		}
		_, err = tx.Exec(ctx, `INSERT INTO reservations (`+reservationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			next.ID, next.CustomerID, next.HotelID, next.RoomType, next.CheckIn, next.CheckOut, next.Status)
		if err != nil {
			return fmt.Errorf("book reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return next, nil
}

func (p *Postgres) FlightStatus(ctx context.Context, flightNum, from string) (Flight, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+flightColumns+` FROM flights
		WHERE flight_num = $1 AND departure_airport = $2 AND status = $3 LIMIT 1`, flightNum, from, StatusOpen)
	f, err := scanFlight(row)
	if err != nil {
		return Flight{}, notFound(err, fmt.Sprintf("flight %s from %s", flightNum, from))
	}
	return f, nil
}

func (p *Postgres) CustomerFlights(ctx context.Context, customerID string) ([]Flight, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+flightColumns+` FROM flights WHERE customer_id = $1 AND status = $2 ORDER BY departure_time`, customerID, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("list flights: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Flight, error) { return scanFlight(row) })
	if err != nil {
		return nil, fmt.Errorf("list flights: %w", err)
	}
	return out, nil
}

func (p *Postgres) ChangeFlight(ctx context.Context, ch FlightChange) (Flight, error) {
	var next Flight
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		old, err := scanFlight(tx.QueryRow(ctx,
			`SELECT `+flightColumns+` FROM flights WHERE ticket_num = $1 AND status = $2 FOR UPDATE`, ch.TicketNum, StatusOpen))
		if err != nil {
			return notFound(err, fmt.Sprintf("ticket %s", ch.TicketNum))
		}
		if _, err := tx.Exec(ctx, `UPDATE flights SET status = $1 WHERE ticket_num = $2`, StatusCancelled, old.TicketNum); err != nil {
			return fmt.Errorf("cancel ticket: %w", err)
		}
		next = old
		next.TicketNum = fmt.Sprintf("%d", 1000000000+rand.Int64N(9000000000))
		next.FlightNum = ch.FlightNum
		next.DepartureTime = ch.DepartureTime
		next.ArrivalTime = ch.ArrivalTime
		next.Status = StatusOpen
		_, err = tx.Exec(ctx, `INSERT INTO flights (`+flightColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			next.TicketNum, next.CustomerID, next.FlightNum, next.Airline, next.SeatNum, next.DepartureAirport,
			next.ArrivalAirport, next.DepartureTime, next.ArrivalTime, next.TicketClass, next.Gate, next.Status)
		if err != nil {
			return fmt.Errorf("issue ticket: %w", err)
		}
		return nil
	})
	if err != nil {
		return Flight{}, err
	}
	return next, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
