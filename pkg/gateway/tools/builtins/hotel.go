package builtins

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/tools"
	"github.com/vango-go/vai-relay/pkg/gateway/tools/reservations"
)

const hotelChangeFee = 50

var roomTypes = []string{"Standard", "Deluxe", "Suite"}

type hotelSearchArgs struct {
	SearchQuery string `json:"search_query" jsonschema:"The search query to use to search the knowledge base."`
}

type queryRoomsArgs struct {
	HotelID      string `json:"hotel_id" jsonschema:"The hotel id."`
	CheckInDate  string `json:"check_in_date" jsonschema:"Check-in date, YYYY-MM-DD."`
	CheckOutDate string `json:"check_out_date" jsonschema:"Check-out date, YYYY-MM-DD."`
}

type reservationIDArgs struct {
	ReservationID string `json:"reservation_id" jsonschema:"The reservation id."`
}

type reservationChangeArgs struct {
	CurrentReservationID string `json:"current_reservation_id" jsonschema:"The current reservation id."`
	NewRoomType          string `json:"new_room_type" jsonschema:"The new room type."`
	NewCheckInDate       string `json:"new_check_in_date" jsonschema:"The new check-in date, YYYY-MM-DD."`
	NewCheckOutDate      string `json:"new_check_out_date" jsonschema:"The new check-out date, YYYY-MM-DD."`
}

type userIDArgs struct {
	UserID string `json:"user_id" jsonschema:"The customer id."`
}

type reservationView struct {
	ReservationID int64  `json:"reservation_id"`
	CustomerID    string `json:"customer_id"`
	RoomType      string `json:"room_type"`
	HotelID       string `json:"hotel_id"`
	CheckInDate   string `json:"check_in_date"`
	CheckOutDate  string `json:"check_out_date"`
	Status        string `json:"status"`
}

func viewReservation(r reservations.Reservation) reservationView {
	return reservationView{
		ReservationID: r.ID,
		CustomerID:    r.CustomerID,
		RoomType:      r.RoomType,
		HotelID:       r.HotelID,
		CheckInDate:   r.CheckIn.Format(dateLayout),
		CheckOutDate:  r.CheckOut.Format(dateLayout),
		Status:        r.Status,
	}
}

func parseReservationID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: reservation id %q is not a number", tools.ErrInvalidInput, s)
	}
	return id, nil
}

func hotelTools(d Deps) []*tools.Tool {
	repo := d.Reservations
	return []*tools.Tool{
		tools.MustNew("search_hotel_knowledgebase", "Search the hotel knowledge base to answer hotel policy questions.",
			func(ctx context.Context, a hotelSearchArgs) (tools.Result, error) {
				return searchKnowledge(ctx, d.HotelKnowledge, a.SearchQuery)
			}),

		tools.MustNew("query_rooms", "Query the list of available rooms for a given hotel, check-in date and check-out date.",
			func(_ context.Context, a queryRoomsArgs) (tools.Result, error) {
				var b strings.Builder
				for _, rt := range roomTypes {
					fmt.Fprintf(&b, "Room type: %s, Hotel ID: %s, Check-in: %s, Check-out: %s, Status: Available\n",
						rt, a.HotelID, a.CheckInDate, a.CheckOutDate)
				}
				return tools.ServerResult(b.String()), nil
			}),

		tools.MustNew("check_reservation_status", "Checks the reservation status for a booking.",
			func(ctx context.Context, a reservationIDArgs) (tools.Result, error) {
				id, err := parseReservationID(a.ReservationID)
				if err != nil {
					return tools.Result{}, err
				}
				r, err := repo.Reservation(ctx, id)
				if errors.Is(err, reservations.ErrNotFound) {
					return tools.ServerResult(fmt.Sprintf("Cannot find status for the reservation with ID %s", a.ReservationID)), nil
				}
				if err != nil {
					return tools.Result{}, err
				}
				return jsonResult(viewReservation(r))
			}),

		tools.MustNew("confirm_reservation_change", "Execute the reservation change after confirming with the customer.",
			func(ctx context.Context, a reservationChangeArgs) (tools.Result, error) {
				id, err := parseReservationID(a.CurrentReservationID)
				if err != nil {
					return tools.Result{}, err
				}
				checkIn, err := parseDate("new_check_in_date", a.NewCheckInDate)
				if err != nil {
					return tools.Result{}, err
				}
				checkOut, err := parseDate("new_check_out_date", a.NewCheckOutDate)
				if err != nil {
					return tools.Result{}, err
				}
				next, err := repo.ChangeReservation(ctx, reservations.ReservationChange{
					CurrentID: id, RoomType: a.NewRoomType, CheckIn: checkIn, CheckOut: checkOut,
				})
				if errors.Is(err, reservations.ErrNotFound) {
					return tools.ServerResult("Could not find the current reservation to change."), nil
				}
				if err != nil {
					return tools.Result{}, err
				}
				return tools.ServerResult(fmt.Sprintf(
					"Your new reservation for a %s room is confirmed. Check-in date is %s and check-out date is %s. "+
						"Your new reservation ID is %d. A charge of $%d has been applied for the change.",
					next.RoomType, a.NewCheckInDate, a.NewCheckOutDate, next.ID, hotelChangeFee)), nil
			}),

		tools.MustNew("check_change_reservation", "Check the feasibility and outcome of a presumed reservation change.",
			func(_ context.Context, a reservationChangeArgs) (tools.Result, error) {
				return tools.ServerResult(fmt.Sprintf("Changing your reservation will cost an additional $%d.", hotelChangeFee)), nil
			}),

		tools.MustNew("load_user_reservation_info", "Loads the hotel reservation information for a user.",
			func(ctx context.Context, a userIDArgs) (tools.Result, error) {
				list, err := repo.CustomerReservations(ctx, a.UserID)
				if err != nil {
					return tools.Result{}, err
				}
				if len(list) == 0 {
					return tools.ServerResult("Sorry, we cannot find any reservation information for you."), nil
				}
				views := make([]reservationView, 0, len(list))
				for _, r := range list {
					views = append(views, viewReservation(r))
				}
				return jsonResult(views)
			}),
	}
}
