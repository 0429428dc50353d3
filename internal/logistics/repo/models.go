package repo

import (
	"time"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/earnings"
)

// Request kinds.
const (
	KindRide   = "ride"
	KindParcel = "parcel"
)

// Cancellation parties.
const (
	CancelledByCustomer = "customer"
	CancelledByDriver   = "driver"
	CancelledBySystem   = "system"
)

// Driver categories.
const (
	CategoryCab    = "cab"
	CategoryParcel = "parcel"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point is a usable coordinate.
func (p Point) Valid() bool {
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return false
	}
	return !(p.Lat == 0 && p.Lon == 0)
}

// Place is an address with its point.
type Place struct {
	Address string `json:"address"`
	Point   Point  `json:"point"`
}

// Fare is the price breakdown of a request.
type Fare struct {
	Base           decimal.Decimal `json:"base"`
	Distance       decimal.Decimal `json:"distance"`
	Time           decimal.Decimal `json:"time"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	NightSurcharge decimal.Decimal `json:"night_surcharge"`
	RainSurcharge  decimal.Decimal `json:"rain_surcharge"`
	Toll           decimal.Decimal `json:"toll"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
}

// ParcelDetails holds parcel-only fields.
type ParcelDetails struct {
	ReceiverName  string  `json:"receiver_name"`
	ReceiverPhone string  `json:"receiver_phone"`
	Apartment     string  `json:"apartment,omitempty"`
	WeightKg      float64 `json:"weight_kg,omitempty"`
}

// Request is a ride or parcel request.
type Request struct {
	ID                 string
	Kind               string
	Status             string
	CustomerID         int64
	DriverID           *int64
	Pickup             Place
	Dropoff            Place
	Stops              []Place
	VehicleType        string
	Fare               Fare
	DistanceMeters     int
	DurationSeconds    int
	OTPHash            string
	OTPPhase           string
	OTPExpiresAt       *time.Time
	SearchRadius       int
	MaxSearchRadius    int
	RetryCount         int
	RejectedBy         []int64
	Parcel             *ParcelDetails
	RequestedAt        time.Time
	ScheduledAt        *time.Time
	LastSearchAt       *time.Time
	DriverAssignedAt   *time.Time
	DriverArrivedAt    *time.Time
	PickedUpAt         *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	MoneyCollected     decimal.Decimal
	CollectionMode     string
	IsBookingCompleted bool
	CancelledBy        string
	CancelReason       string
	Version            int64
}

// Category is the driver category that serves this request.
func (r Request) Category() string {
	if r.Kind == KindParcel {
		return CategoryParcel
	}
	return CategoryCab
}

// HasDriver reports whether driverID is the assigned driver.
func (r Request) HasDriver(driverID int64) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// Driver is a driver or courier record.
type Driver struct {
	ID                   int64
	Name                 string
	Phone                string
	FCMToken             string
	Category             string
	VehicleType          string
	VehicleNumber        string
	Rating               float64
	IsAvailable          bool
	IsOnOrder            bool
	IsPaid               bool
	IsBlocked            bool
	IsVerified           bool
	RidesRejected        int
	Plan                 earnings.Plan
	LastNotificationSent *time.Time
}

// Customer is the requesting party.
type Customer struct {
	ID       int64
	Name     string
	Phone    string
	FCMToken string
}

// Event is a row of the transition log.
type Event struct {
	RequestID string
	From      string
	To        string
	Actor     string
	Note      string
	At        time.Time
}

// ListFilter narrows request listings.
type ListFilter struct {
	CustomerID int64
	DriverID   int64
	Status     string
	Kind       string
	Limit      int
	Offset     int
}

// SearchUpdate records progress of one search attempt.
type SearchUpdate struct {
	ID         string
	Status     string
	Radius     int
	MaxRadius  int
	RetryCount int
	At         time.Time
}

// Completion carries the inputs of Complete.
type Completion struct {
	ID              string
	DriverID        int64
	Amount          decimal.Decimal
	Mode            string
	ExpectedOTPHash string
	RequireOTP      bool
	At              time.Time
}

// Cancellation carries the inputs of Cancel.
type Cancellation struct {
	ID     string
	By     string
	Reason string
	At     time.Time
}
