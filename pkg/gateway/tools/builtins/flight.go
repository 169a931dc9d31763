package builtins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/tools"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/reservations"
)

const flightChangeFee = 80

// alternativeFlights are offered relative to the requested departure time.
var alternativeFlights = []struct {
	number string
	offset time.Duration
}{
	{"AA479", -1 * time.Hour},
	{"AA490", -2 * time.Hour},
	{"AA423", -3 * time.Hour},
}

type airlineSearchArgs struct {
	SearchQuery string `json:"search_query" jsonschema:"The search query to use to search the knowledge base."`
}

type queryFlightsArgs struct {
	From          string `json:"from" jsonschema:"The departure airport code."`
	To            string `json:"to" jsonschema:"The arrival airport code."`
	DepartureTime string `json:"departure_time" jsonschema:"The departure time."`
}

type flightStatusArgs struct {
	FlightNum string `json:"flight_num" jsonschema:"The flight number."`
	From      string `json:"from" jsonschema:"The departure airport code."`
}

type confirmFlightChangeArgs struct {
	CurrentTicketNumber string `json:"current_ticket_number" jsonschema:"The current ticket number."`
	NewFlightNumber     string `json:"new_flight_number" jsonschema:"The new flight number."`
	NewDepartureTime    string `json:"new_departure_time" jsonschema:"The new departure time, YYYY-MM-DD HH:MM."`
	NewArrivalTime      string `json:"new_arrival_time" jsonschema:"The new arrival time, YYYY-MM-DD HH:MM."`
}

type checkFlightChangeArgs struct {
	CurrentTicketNumber string `json:"current_ticket_number" jsonschema:"The current ticket number."`
	CurrentFlightNumber string `json:"current_flight_number" jsonschema:"The current flight number."`
	NewFlightNumber     string `json:"new_flight_number" jsonschema:"The new flight number."`
	From                string `json:"from" jsonschema:"The departure airport code."`
}

type flightView struct {
	Airline          string `json:"airline,omitempty"`
	FlightNum        string `json:"flight_num"`
	SeatNum          string `json:"seat_num,omitempty"`
	DepartureAirport string `json:"departure_airport"`
	ArrivalAirport   string `json:"arrival_airport"`
	DepartureTime    string `json:"departure_time"`
	ArrivalTime      string `json:"arrival_time"`
	TicketClass      string `json:"ticket_class,omitempty"`
	TicketNum        string `json:"ticket_num,omitempty"`
	Gate             string `json:"gate,omitempty"`
	Status           string `json:"status"`
}

func viewFlight(f reservations.Flight, full bool) flightView {
	v := flightView{
		FlightNum:        f.FlightNum,
		DepartureAirport: f.DepartureAirport,
		ArrivalAirport:   f.ArrivalAirport,
		DepartureTime:    f.DepartureTime.Format(dateTimeLayout),
		ArrivalTime:      f.ArrivalTime.Format(dateTimeLayout),
		Status:           f.Status,
	}
	if full {
		v.Airline = f.Airline
		v.SeatNum = f.SeatNum
		v.TicketClass = f.TicketClass
		v.TicketNum = f.TicketNum
		v.Gate = f.Gate
	}
	return v
}

func flightTools(d Deps) []*tools.Tool {
	repo := d.Reservations
	return []*tools.Tool{
		tools.MustNew("search_airline_knowledgebase", "Search the airline knowledge base to answer airline policy questions.",
			func(ctx context.Context, a airlineSearchArgs) (tools.Result, error) {
				return searchKnowledge(ctx, d.AirlineKnowledge, a.SearchQuery)
			}),

		tools.MustNew("query_flights", "Query the list of available flights for a given departure airport code, arrival airport code and departure time.",
			func(_ context.Context, a queryFlightsArgs) (tools.Result, error) {
				dep, err := parseDateTime("departure_time", a.DepartureTime)
				if err != nil {
					return tools.Result{}, err
				}
				var b strings.Builder
				for _, alt := range alternativeFlights {
					newDep := dep.Add(alt.offset)
					newArr := newDep.Add(2 * time.Hour)
					fmt.Fprintf(&b, "Flight number: %s, From: %s, To: %s, Departure: %s, Arrival: %s, Status: On time.\n",
						alt.number, a.From, a.To, newDep.Format("2006-01-02T15:04:05"), newArr.Format("2006-01-02T15:04:05"))
				}
				return tools.ServerResult(b.String()), nil
			}),

		tools.MustNew("check_flight_status", "Checks the flight status for a flight.",
			func(ctx context.Context, a flightStatusArgs) (tools.Result, error) {
				f, err := repo.FlightStatus(ctx, a.FlightNum, a.From)
				if errors.Is(err, reservations.ErrNotFound) {
					return tools.ServerResult(fmt.Sprintf("Cannot find status for the flight %s from %s.", a.FlightNum, a.From)), nil
				}
				if err != nil {
					return tools.Result{}, err
				}
				return jsonResult(viewFlight(f, false))
			}),

		tools.MustNew("confirm_flight_change", "Execute the flight change after confirming with the customer.",
			func(ctx context.Context, a confirmFlightChangeArgs) (tools.Result, error) {
				dep, err := parseDateTime("new_departure_time", a.NewDepartureTime)
				if err != nil {
					return tools.Result{}, err
				}
				arr, err := parseDateTime("new_arrival_time", a.NewArrivalTime)
				if err != nil {
					return tools.Result{}, err
				}
				next, err := repo.ChangeFlight(ctx, reservations.FlightChange{
					TicketNum: a.CurrentTicketNumber, FlightNum: a.NewFlightNumber, DepartureTime: dep, ArrivalTime: arr,
				})
				if errors.Is(err, reservations.ErrNotFound) {
					return tools.ServerResult("Could not find the current ticket to change."), nil
				}
				if err != nil {
					return tools.Result{}, err
				}
				return tools.ServerResult(fmt.Sprintf(
					"Your new flight is %s, departing from %s to %s on %s, arriving at %s. Your new ticket number is %s. "+
						"Your credit card has been charged $%d.",
					next.FlightNum, next.DepartureAirport, next.ArrivalAirport, a.NewDepartureTime, a.NewArrivalTime,
					next.TicketNum, flightChangeFee)), nil
			}),

		tools.MustNew("check_change_flight", "Check the feasibility and outcome of a presumed flight change.",
			func(_ context.Context, a checkFlightChangeArgs) (tools.Result, error) {
				return tools.ServerResult(fmt.Sprintf("Changing your ticket from %s to %s, departing from %s, would cost $%d.",
					a.CurrentFlightNumber, a.NewFlightNumber, a.From, flightChangeFee)), nil
			}),

		tools.MustNew("load_user_flight_info", "Loads the flight information for a user.",
			func(ctx context.Context, a userIDArgs) (tools.Result, error) {
				list, err := repo.CustomerFlights(ctx, a.UserID)
				if err != nil {
					return tools.Result{}, err
				}
				if len(list) == 0 {
					return tools.ServerResult("Sorry, we cannot find any flight information for you."), nil
				}
				views := make([]flightView, 0, len(list))
				for _, f := range list {
					views = append(views, viewFlight(f, true))
				}
				return jsonResult(views)
			}),
	}
}
