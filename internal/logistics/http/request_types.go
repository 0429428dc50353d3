package http

import (
	"time"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/lifecycle"
	"dispatchBack/internal/logistics/repo"
)

type createRequestInput struct {
	Kind        string              `json:"kind"`
	Pickup      repo.Place          `json:"pickup"`
	Dropoff     repo.Place          `json:"dropoff"`
	Stops       []repo.Place        `json:"stops"`
	VehicleType string              `json:"vehicle_type"`
	Fare        *repo.Fare          `json:"fare"`
	ScheduledAt *time.Time          `json:"scheduled_at"`
	Raining     bool                `json:"raining"`
	Discount    decimal.Decimal     `json:"discount"`
	Parcel      *repo.ParcelDetails `json:"parcel"`
}

type requestResponse struct {
	ID              string              `json:"id"`
	Kind            string              `json:"kind"`
	Status          string              `json:"status"`
	CustomerID      int64               `json:"customer_id"`
	DriverID        *int64              `json:"driver_id,omitempty"`
	Pickup          repo.Place          `json:"pickup"`
	Dropoff         repo.Place          `json:"dropoff"`
	Stops           []repo.Place        `json:"stops,omitempty"`
	VehicleType     string              `json:"vehicle_type"`
	Fare            repo.Fare           `json:"fare"`
	DistanceMeters  int                 `json:"distance_m"`
	DurationSeconds int                 `json:"duration_s"`
	SearchRadius    int                 `json:"search_radius_m"`
	RetryCount      int                 `json:"retry_count"`
	Parcel          *repo.ParcelDetails `json:"parcel,omitempty"`
	RequestedAt     time.Time           `json:"requested_at"`
	ScheduledAt     *time.Time          `json:"scheduled_at,omitempty"`
	AssignedAt      *time.Time          `json:"driver_assigned_at,omitempty"`
	ArrivedAt       *time.Time          `json:"driver_arrived_at,omitempty"`
	PickedUpAt      *time.Time          `json:"picked_up_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	CancelledAt     *time.Time          `json:"cancelled_at,omitempty"`
	CancelledBy     string              `json:"cancelled_by,omitempty"`
	CancelReason    string              `json:"cancel_reason,omitempty"`
	MoneyCollected  *decimal.Decimal    `json:"money_collected,omitempty"`
	CollectionMode  string              `json:"collection_mode,omitempty"`
}

func toRequestResponse(r repo.Request) requestResponse {
	resp := requestResponse{
		ID:              r.ID,
		Kind:            r.Kind,
		Status:          r.Status,
		CustomerID:      r.CustomerID,
		DriverID:        r.DriverID,
		Pickup:          r.Pickup,
		Dropoff:         r.Dropoff,
		Stops:           r.Stops,
		VehicleType:     r.VehicleType,
		Fare:            r.Fare,
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
		SearchRadius:    r.SearchRadius,
		RetryCount:      r.RetryCount,
		Parcel:          r.Parcel,
		RequestedAt:     r.RequestedAt,
		ScheduledAt:     r.ScheduledAt,
		AssignedAt:      r.DriverAssignedAt,
		ArrivedAt:       r.DriverArrivedAt,
		PickedUpAt:      r.PickedUpAt,
		CompletedAt:     r.CompletedAt,
		CancelledAt:     r.CancelledAt,
		CancelledBy:     r.CancelledBy,
		CancelReason:    r.CancelReason,
		CollectionMode:  r.CollectionMode,
	}
	if r.CompletedAt != nil {
		collected := r.MoneyCollected
		resp.MoneyCollected = &collected
	}
	return resp
}

type eventResponse struct {
	From  string    `json:"from,omitempty"`
	To    string    `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

type statusResponse struct {
	Request    requestResponse       `json:"request"`
	Driver     *lifecycle.DriverInfo `json:"driver,omitempty"`
	ETASeconds *int                  `json:"eta_s,omitempty"`
	Timeline   []eventResponse       `json:"timeline"`
}

func toStatusResponse(v lifecycle.StatusView) statusResponse {
	resp := statusResponse{
		Request:    toRequestResponse(v.Request),
		Driver:     v.Driver,
		ETASeconds: v.ETASeconds,
		Timeline:   make([]eventResponse, 0, len(v.Timeline)),
	}
	for _, e := range v.Timeline {
		resp.Timeline = append(resp.Timeline, eventResponse{From: e.From, To: e.To, Actor: e.Actor, Note: e.Note, At: e.At})
	}
	return resp
}

type planResponse struct {
	Title       string          `json:"title"`
	Ceiling     decimal.Decimal `json:"earning_ceiling"`
	Expiry      *time.Time      `json:"expiry,omitempty"`
	RechargedAt *time.Time      `json:"recharged_at,omitempty"`
	Approved    bool            `json:"approved"`
}

func toPlanResponse(p earnings.Plan) planResponse {
	return planResponse{Title: p.Title, Ceiling: p.Ceiling, Expiry: p.Expiry, RechargedAt: p.RechargedAt, Approved: p.Approved}
}
