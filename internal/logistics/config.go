package logistics

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/dispatch"
	"dispatchBack/internal/logistics/earnings"
	"dispatchBack/internal/logistics/pricing"
	"dispatchBack/internal/logistics/sweeper"
)

const (
	defaultMaxAttempts    = 4
	defaultSearchBackoff  = 20 * time.Second
	defaultCandidateLimit = 25
	defaultRescanInterval = 2 * time.Minute
	defaultOfferTTL       = 10 * time.Minute
	defaultOTPLength      = 4
	defaultSweepInterval  = 10 * time.Second
	defaultQuietHours     = "00-05"
	defaultTimezone       = "Asia/Kolkata"
)

var (
	defaultRideRadii   = []int{2500, 3000, 3500, 4000}
	defaultParcelRadii = []int{5000, 15000, 0}
)

// Config holds runtime configuration for the dispatch engine.
type Config struct {
	Dispatch      dispatch.Config
	OTPLength     int
	OTPTTL        time.Duration
	ParcelDropOTP bool
	LowBalance    decimal.Decimal
	SweepInterval time.Duration
	QuietHours    sweeper.QuietHours
	Timezone      string
	Fares         pricing.Rules
}

// LoadConfig reads engine configuration from environment variables and applies defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		Dispatch: dispatch.Config{
			RideRadii:      defaultRideRadii,
			ParcelRadii:    defaultParcelRadii,
			MaxAttempts:    defaultMaxAttempts,
			Backoff:        defaultSearchBackoff,
			CandidateLimit: defaultCandidateLimit,
			RescanInterval: defaultRescanInterval,
			OfferTTL:       defaultOfferTTL,
		},
		OTPLength:     defaultOTPLength,
		LowBalance:    earnings.DefaultLowBalance,
		SweepInterval: defaultSweepInterval,
		Timezone:      defaultTimezone,
		Fares:         pricing.DefaultRules(),
	}

	if v, err := readListEnv("DISPATCH_RIDE_RADII_M"); err != nil {
		return Config{}, fmt.Errorf("parse DISPATCH_RIDE_RADII_M: %w", err)
	} else if v != nil {
		cfg.Dispatch.RideRadii = v
	}
	if v, err := readListEnv("DISPATCH_PARCEL_RADII_M"); err != nil {
		return Config{}, fmt.Errorf("parse DISPATCH_PARCEL_RADII_M: %w", err)
	} else if v != nil {
		cfg.Dispatch.ParcelRadii = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"DISPATCH_MAX_ATTEMPTS", &cfg.Dispatch.MaxAttempts},
		{"DISPATCH_CANDIDATE_LIMIT", &cfg.Dispatch.CandidateLimit},
		{"OTP_LENGTH", &cfg.OTPLength},
	}
	for _, e := range ints {
		if v, err := readIntEnv(e.name); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", e.name, err)
		} else if v != nil {
			*e.dst = *v
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"DISPATCH_SEARCH_BACKOFF", &cfg.Dispatch.Backoff},
		{"DISPATCH_RESCAN_INTERVAL", &cfg.Dispatch.RescanInterval},
		{"DISPATCH_OFFER_TTL", &cfg.Dispatch.OfferTTL},
		{"OTP_TTL", &cfg.OTPTTL},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
	}
	for _, e := range durations {
		if v, err := readDurationEnv(e.name); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", e.name, err)
		} else if v != nil {
			*e.dst = *v
		}
	}

	if v := os.Getenv("PARCEL_DROP_OTP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse PARCEL_DROP_OTP: %w", err)
		}
		cfg.ParcelDropOTP = b
	}

	decimals := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"EARNINGS_LOW_BALANCE", &cfg.LowBalance},
		{"FARE_BASE", &cfg.Fares.Base},
		{"FARE_PER_KM", &cfg.Fares.PerKM},
		{"FARE_PER_MINUTE", &cfg.Fares.PerMinute},
		{"FARE_PLATFORM_FEE", &cfg.Fares.PlatformFee},
		{"FARE_NIGHT_PERCENT", &cfg.Fares.NightPercent},
		{"FARE_RAIN", &cfg.Fares.Rain},
		{"FARE_MINIMUM", &cfg.Fares.Minimum},
	}
	for _, e := range decimals {
		if v := strings.TrimSpace(os.Getenv(e.name)); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", e.name, err)
			}
			*e.dst = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("FARE_CURRENCY")); v != "" {
		cfg.Fares.Currency = strings.ToUpper(v)
	}

	quiet := defaultQuietHours
	if v, ok := os.LookupEnv("QUIET_HOURS"); ok {
		quiet = v
	}
	q, err := sweeper.ParseQuietHours(quiet)
	if err != nil {
		return Config{}, fmt.Errorf("parse QUIET_HOURS: %w", err)
	}
	cfg.QuietHours = q

	if v := strings.TrimSpace(os.Getenv("DISPATCH_TIMEZONE")); v != "" {
		cfg.Timezone = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Dispatch.RideRadii) == 0 {
		return fmt.Errorf("DISPATCH_RIDE_RADII_M must list at least one radius")
	}
	if len(c.Dispatch.ParcelRadii) == 0 {
		return fmt.Errorf("DISPATCH_PARCEL_RADII_M must list at least one radius")
	}
	for _, r := range append(append([]int{}, c.Dispatch.RideRadii...), c.Dispatch.ParcelRadii...) {
		if r < 0 {
			return fmt.Errorf("search radii must not be negative")
		}
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive")
	}
	if c.Dispatch.Backoff <= 0 {
		return fmt.Errorf("DISPATCH_SEARCH_BACKOFF must be positive")
	}
	if c.Dispatch.CandidateLimit <= 0 {
		return fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be positive")
	}
	if c.Dispatch.RescanInterval < 0 {
		return fmt.Errorf("DISPATCH_RESCAN_INTERVAL must not be negative")
	}
	if c.Dispatch.OfferTTL <= 0 {
		return fmt.Errorf("DISPATCH_OFFER_TTL must be positive")
	}
	if c.OTPLength < 4 || c.OTPLength > 6 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 6")
	}
	if c.OTPTTL < 0 {
		return fmt.Errorf("OTP_TTL must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Fares.Minimum.IsNegative() || c.Fares.Base.IsNegative() {
		return fmt.Errorf("fares must not be negative")
	}
	return nil
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// readDurationEnv accepts Go durations ("20s") or plain seconds.
func readDurationEnv(name string) (*time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return nil, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		d := time.Duration(secs) * time.Second
		return &d, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func readListEnv(name string) ([]int, error) {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(val, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
