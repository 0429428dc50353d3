package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"

	"dispatchBack/internal/logistics/repo"
)

// Driver states inside the directory. Offline drivers are absent.
const (
	StateFree = "free"
	StateBusy = "busy"
)

// UnlimitedRadius is used when a tier has no radius limit.
const UnlimitedRadius = 20_000_000

// Candidate is a driver found near a point.
type Candidate struct {
	DriverID       int64
	DistanceMeters float64
	Point          repo.Point
	VehicleType    string
}

// Filter narrows a search.
type Filter struct {
	Category    string
	VehicleType string
	Exclude     []int64
	Limit       int
}

// Directory keeps driver positions in Redis GEO sets keyed by category and state.
// Each driver is also indexed in a category+vehicle set so a vehicle-type search
// runs inside the radius query. Per-driver metadata lives in a hash.
type Directory struct {
	rdb *redis.Client
}

// NewDirectory creates a directory.
func NewDirectory(rdb *redis.Client) *Directory {
	return &Directory{rdb: rdb}
}

func setKey(category, state string) string {
	return fmt.Sprintf("drivers:%s:%s", strings.ToLower(category), state)
}

func vehicleKey(category, vehicleType, state string) string {
	return fmt.Sprintf("drivers:%s:%s:%s", strings.ToLower(category), strings.ToLower(vehicleType), state)
}

// keys returns the sets a driver lives in for state.
func keys(category, vehicleType, state string) []string {
	out := []string{setKey(category, state)}
	if vehicleType != "" {
		out = append(out, vehicleKey(category, vehicleType, state))
	}
	return out
}

func (d *Directory) vehicleOf(ctx context.Context, driverID int64) (string, error) {
	v, err := d.rdb.HGet(ctx, metaKey(driverID), "vehicle_type").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func metaKey(driverID int64) string {
	return fmt.Sprintf("driver:meta:%d", driverID)
}

func memberName(driverID int64) string {
	return fmt.Sprintf("driver:%d", driverID)
}

func parseMember(member string) (int64, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid member %q", member)
	}
	return strconv.ParseInt(parts[1], 10, 64)
}

// UpdateLocation stores the driver's latest position in the set for state.
func (d *Directory) UpdateLocation(ctx context.Context, driverID int64, category, vehicleType string, p repo.Point, state string) error {
	if !p.Valid() {
		return fmt.Errorf("update location: invalid point lat=%.6f lon=%.6f", p.Lat, p.Lon)
	}
	if category == "" {
		return errors.New("update location: empty category")
	}
	if state != StateBusy {
		state = StateFree
	}
	other := StateBusy
	if state == StateBusy {
		other = StateFree
	}
	prev, err := d.vehicleOf(ctx, driverID)
	if err != nil {
		return err
	}
	mem := memberName(driverID)
	loc := &redis.GeoLocation{Name: mem, Longitude: p.Lon, Latitude: p.Lat}
	pipe := d.rdb.TxPipeline()
	if prev != "" && !strings.EqualFold(prev, vehicleType) {
		pipe.ZRem(ctx, vehicleKey(category, prev, StateFree), mem)
		pipe.ZRem(ctx, vehicleKey(category, prev, StateBusy), mem)
	}
	for _, key := range keys(category, vehicleType, state) {
		pipe.GeoAdd(ctx, key, loc)
	}
	for _, key := range keys(category, vehicleType, other) {
		pipe.ZRem(ctx, key, mem)
	}
	pipe.HSet(ctx, metaKey(driverID), "category", category, "vehicle_type", vehicleType)
	_, err = pipe.Exec(ctx)
	return err
}

// SetState moves a driver between free and busy, keeping coordinates. Any other
// state removes the driver from the directory.
func (d *Directory) SetState(ctx context.Context, driverID int64, category, state string) error {
	vehicleType, err := d.vehicleOf(ctx, driverID)
	if err != nil {
		return err
	}
	mem := memberName(driverID)
	if state != StateFree && state != StateBusy {
		pipe := d.rdb.TxPipeline()
		for _, key := range keys(category, vehicleType, StateFree) {
			pipe.ZRem(ctx, key, mem)
		}
		_, err = pipe.Exec(ctx)
		return err
	}
	from := StateBusy
	if state == StateBusy {
		from = StateFree
	}
	pos, err := d.rdb.GeoPos(ctx, setKey(category, from), mem).Result()
	if err != nil {
		return err
	}
	if len(pos) == 0 || pos[0] == nil {
		// Already there or never reported a location.
		return nil
	}
	loc := &redis.GeoLocation{Name: mem, Longitude: pos[0].Longitude, Latitude: pos[0].Latitude}
	pipe := d.rdb.TxPipeline()
	for _, key := range keys(category, vehicleType, state) {
		pipe.GeoAdd(ctx, key, loc)
	}
	for _, key := range keys(category, vehicleType, from) {
		pipe.ZRem(ctx, key, mem)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GoOffline removes the driver from every set of the category.
func (d *Directory) GoOffline(ctx context.Context, driverID int64, category string) error {
	vehicleType, err := d.vehicleOf(ctx, driverID)
	if err != nil {
		return err
	}
	mem := memberName(driverID)
	pipe := d.rdb.TxPipeline()
	for _, state := range []string{StateFree, StateBusy} {
		for _, key := range keys(category, vehicleType, state) {
			pipe.ZRem(ctx, key, mem)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Find returns free drivers within radiusMeters of p, nearest first. radiusMeters <= 0
// means no limit. With a vehicle type the radius query runs on that vehicle's set, so
// other vehicles never crowd out a match. f.Limit <= 0 returns every match.
func (d *Directory) Find(ctx context.Context, p repo.Point, radiusMeters int, f Filter) ([]Candidate, error) {
	if radiusMeters <= 0 {
		radiusMeters = UnlimitedRadius
	}
	key := setKey(f.Category, StateFree)
	if f.VehicleType != "" {
		key = vehicleKey(f.Category, f.VehicleType, StateFree)
	}
	q := redis.GeoSearchQuery{
		Longitude:  p.Lon,
		Latitude:   p.Lat,
		Radius:     float64(radiusMeters),
		RadiusUnit: "m",
		Sort:       "ASC",
	}
	if f.Limit > 0 {
		// Excluded drivers can take at most len(f.Exclude) slots.
		q.Count = f.Limit + len(f.Exclude)
	}
	res, err := d.rdb.GeoSearchLocation(ctx, key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: q,
		WithCoord:      true,
		WithDist:       true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	found := make([]Candidate, 0, len(res))
	for _, item := range res {
		id, err := parseMember(item.Name)
		if err != nil {
			continue
		}
		if slices.Contains(f.Exclude, id) {
			continue
		}
		found = append(found, Candidate{
			DriverID:       id,
			DistanceMeters: item.Dist,
			Point:          repo.Point{Lat: item.Latitude, Lon: item.Longitude},
			VehicleType:    f.VehicleType,
		})
		if f.Limit > 0 && len(found) == f.Limit {
			break
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	if f.VehicleType != "" {
		return found, nil
	}

	pipe := d.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(found))
	for i, c := range found {
		cmds[i] = pipe.HGet(ctx, metaKey(c.DriverID), "vehicle_type")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i := range found {
		found[i].VehicleType, _ = cmds[i].Result()
	}
	return found, nil
}

// Count returns the number of free drivers within radiusMeters of p.
func (d *Directory) Count(ctx context.Context, p repo.Point, radiusMeters int, category string) (int, error) {
	if radiusMeters <= 0 {
		radiusMeters = UnlimitedRadius
	}
	names, err := d.rdb.GeoSearch(ctx, setKey(category, StateFree), &redis.GeoSearchQuery{
		Longitude:  p.Lon,
		Latitude:   p.Lat,
		Radius:     float64(radiusMeters),
		RadiusUnit: "m",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return len(names), nil
}

// Position returns the last reported point of a driver in either set.
func (d *Directory) Position(ctx context.Context, driverID int64, category string) (repo.Point, bool, error) {
	mem := memberName(driverID)
	for _, state := range []string{StateBusy, StateFree} {
		pos, err := d.rdb.GeoPos(ctx, setKey(category, state), mem).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return repo.Point{}, false, err
		}
		if len(pos) > 0 && pos[0] != nil {
			return repo.Point{Lat: pos[0].Latitude, Lon: pos[0].Longitude}, true, nil
		}
	}
	return repo.Point{}, false, nil
}
