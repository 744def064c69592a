// Package slotcache keeps a per-facility, per-day index of occupied court
// intervals in Redis, split into a confirmed and a reserved partition.
package slotcache

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/slots"
)

//go:embed scripts/put_reserved.lua
var putReservedSource string

//go:embed scripts/remove_owned.lua
var removeOwnedSource string

var (
	putReservedScript = redis.NewScript(putReservedSource)
	removeOwnedScript = redis.NewScript(removeOwnedSource)
)

type Partition string

const (
	Confirmed Partition = "confirmed"
	Reserved  Partition = "reserved"
)

// DefaultHold is the reserved partition TTL when none is configured.
const DefaultHold = 10 * time.Minute

const dateLayout = "2006-01-02"

// Clock interface for testing time-dependent behavior.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DayKey addresses one facility-local calendar day.
type DayKey struct {
	FacilityID int64
	Date       string
}

// NewDayKey returns the key of the facility-local day containing instant.
func NewDayKey(facilityID int64, instant time.Time, loc *time.Location) DayKey {
	if loc == nil {
		loc = time.UTC
	}
	return DayKey{FacilityID: facilityID, Date: instant.In(loc).Format(dateLayout)}
}

func (k DayKey) String() string {
	return fmt.Sprintf("%d:%s", k.FacilityID, k.Date)
}

// Entry is the canonical cache value for one occupied interval.
type Entry struct {
	CourtID       int64      `json:"court_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	BookingID     int64      `json:"booking_id"`
	SlotID        int64      `json:"slot_id"`
	Status        string     `json:"status"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Field returns the hash field under which the entry is stored.
func (e Entry) Field() string {
	return FieldFor(e.CourtID, e.StartTime, e.EndTime)
}

func (e Entry) Interval() slots.Interval {
	return slots.Interval{Start: e.StartTime, End: e.EndTime}
}

// FieldFor builds "{court}:{start}:{end}" with RFC 3339 UTC instants.
func FieldFor(courtID int64, start, end time.Time) string {
	return strconv.FormatInt(courtID, 10) + ":" +
		start.UTC().Format(time.RFC3339) + ":" +
		end.UTC().Format(time.RFC3339)
}

// Snapshot is the parsed content of both partitions for one day.
type Snapshot struct {
	Confirmed []Entry
	Reserved  []Entry
}

// Merged returns confirmed entries followed by reserved ones.
func (s Snapshot) Merged() []Entry {
	out := make([]Entry, 0, len(s.Confirmed)+len(s.Reserved))
	out = append(out, s.Confirmed...)
	return append(out, s.Reserved...)
}

// Occupied returns the intervals held on courtID.
func (s Snapshot) Occupied(courtID int64) []slots.Interval {
	var out []slots.Interval
	for _, e := range s.Merged() {
		if e.CourtID == courtID {
			out = append(out, e.Interval())
		}
	}
	return out
}

type Config struct {
	// KeyPrefix is prepended to every hash key.
	KeyPrefix string
	// Clock for testing (nil uses real time)
	Clock Clock
}

type Cache struct {
	client redis.UniversalClient
	prefix string
	clock  Clock
}

func New(client redis.UniversalClient, cfg Config) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Cache{client: client, prefix: cfg.KeyPrefix, clock: clock}
}

func (c *Cache) hashKey(p Partition, key DayKey) string {
	return c.prefix + string(p) + ":" + key.String()
}

// ConfirmedExpiry is the local midnight that follows the key's date.
func ConfirmedExpiry(key DayKey, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(dateLayout, key.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cache date %q: %w", key.Date, err)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc), nil
}

// PutConfirmed records a confirmed interval. The day hash expires at the local
// midnight after its date.
func (c *Cache) PutConfirmed(ctx context.Context, key DayKey, entry Entry, loc *time.Location) error {
	expireAt, err := ConfirmedExpiry(key, loc)
	if err != nil {
		return err
	}
	entry.HoldExpiresAt = nil
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.clock.Now().UTC()
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	hk := c.hashKey(Confirmed, key)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hk, entry.Field(), value)
		pipe.ExpireAt(ctx, hk, expireAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put confirmed %s: %w", entry.Field(), err)
	}
	return nil
}

// PutReserved records a held interval. The entry carries its own hold expiry
// so that a hash kept alive by later holds never resurrects a lapsed one. The
// hash TTL is extended to ttl when shorter and never reduced.
func (c *Cache) PutReserved(ctx context.Context, key DayKey, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultHold
	}
	now := c.clock.Now().UTC()
	if entry.HoldExpiresAt == nil {
		expires := now.Add(ttl)
		entry.HoldExpiresAt = &expires
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	hk := c.hashKey(Reserved, key)
	err = putReservedScript.Run(ctx, c.client, []string{hk}, entry.Field(), value, ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("put reserved %s: %w", entry.Field(), err)
	}
	return nil
}

// RemoveOwned deletes the field of entry only while the stored value still
// belongs to entry's slot (or booking, when SlotID is zero). It reports
// whether a field was removed.
func (c *Cache) RemoveOwned(ctx context.Context, p Partition, key DayKey, entry Entry) (bool, error) {
	n, err := removeOwnedScript.Run(ctx, c.client, []string{c.hashKey(p, key)},
		entry.Field(), entry.SlotID, entry.BookingID).Int()
	if err != nil {
		return false, fmt.Errorf("remove owned %s entry: %w", p, err)
	}
	return n > 0, nil
}

func (c *Cache) Exists(ctx context.Context, p Partition, key DayKey, courtID int64, start, end time.Time) (bool, error) {
	ok, err := c.client.HExists(ctx, c.hashKey(p, key), FieldFor(courtID, start, end)).Result()
	if err != nil {
		return false, fmt.Errorf("check %s entry: %w", p, err)
	}
	return ok, nil
}

// RemoveBooking deletes every entry of bookingID from the given partitions of
// one day and returns how many fields were removed.
func (c *Cache) RemoveBooking(ctx context.Context, key DayKey, bookingID int64, partitions ...Partition) (int, error) {
	if len(partitions) == 0 {
		partitions = []Partition{Confirmed, Reserved}
	}
	removed := 0
	for _, p := range partitions {
		hk := c.hashKey(p, key)
		raw, err := c.client.HGetAll(ctx, hk).Result()
		if err != nil {
			return removed, fmt.Errorf("read %s partition: %w", p, err)
		}
		var fields []string
		for field, value := range raw {
			var e Entry
			if err := json.Unmarshal([]byte(value), &e); err != nil {
				continue
			}
			if e.BookingID == bookingID {
				fields = append(fields, field)
			}
		}
		if len(fields) == 0 {
			continue
		}
		n, err := c.client.HDel(ctx, hk, fields...).Result()
		if err != nil {
			return removed, fmt.Errorf("remove booking %d from %s partition: %w", bookingID, p, err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (c *Cache) Query(ctx context.Context, key DayKey) (Snapshot, error) {
	snapshots, err := c.QueryMany(ctx, []DayKey{key})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshots[key], nil
}

// QueryMany reads both partitions of every key in a single pipeline.
func (c *Cache) QueryMany(ctx context.Context, keys []DayKey) (map[DayKey]Snapshot, error) {
	out := make(map[DayKey]Snapshot, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	type pending struct {
		key       DayKey
		confirmed *redis.MapStringStringCmd
		reserved  *redis.MapStringStringCmd
	}
	reads := make([]pending, 0, len(keys))
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			reads = append(reads, pending{
				key:       key,
				confirmed: pipe.HGetAll(ctx, c.hashKey(Confirmed, key)),
				reserved:  pipe.HGetAll(ctx, c.hashKey(Reserved, key)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query slot cache: %w", err)
	}

	now := c.clock.Now()
	for _, r := range reads {
		out[r.key] = Snapshot{
			Confirmed: parseEntries(ctx, r.key, Confirmed, r.confirmed.Val(), now),
			Reserved:  parseEntries(ctx, r.key, Reserved, r.reserved.Val(), now),
		}
	}
	return out, nil
}

// IsAvailable reports whether no cached entry on courtID overlaps [start, end).
func (c *Cache) IsAvailable(ctx context.Context, key DayKey, courtID int64, start, end time.Time) (bool, error) {
	snapshot, err := c.Query(ctx, key)
	if err != nil {
		return false, err
	}
	want := slots.Interval{Start: start, End: end}
	for _, busy := range snapshot.Occupied(courtID) {
		if want.Overlaps(busy) {
			return false, nil
		}
	}
	return true, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// parseEntries decodes a partition. Malformed values and lapsed holds are
// treated as absent.
func parseEntries(ctx context.Context, key DayKey, p Partition, raw map[string]string, now time.Time) []Entry {
	if len(raw) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(raw))
	for field, value := range raw {
		e, err := decodeEntry(value)
		if err != nil {
			log.Ctx(ctx).Warn().
				Err(err).
				Str("partition", string(p)).
				Str("cache_key", key.String()).
				Str("field", field).
				Msg("Ignoring malformed slot cache entry")
			continue
		}
		if p == Reserved && e.HoldExpiresAt != nil && !e.HoldExpiresAt.After(now) {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func decodeEntry(value string) (Entry, error) {
	var e Entry
	if strings.TrimSpace(value) == "" {
		return e, fmt.Errorf("empty value")
	}
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		return e, fmt.Errorf("decode entry: %w", err)
	}
	if e.CourtID <= 0 {
		return e, fmt.Errorf("missing court_id")
	}
	if e.StartTime.IsZero() || e.EndTime.IsZero() || !e.EndTime.After(e.StartTime) {
		return e, fmt.Errorf("invalid interval")
	}
	return e, nil
}
