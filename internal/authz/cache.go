package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/period"
)

// Cache memoizes authorization outcomes per request signature, guarded by a
// version fingerprint of the entities the outcome depends on. It is
// strictly a read-path optimization: disabling it never changes outcomes,
// only cost.
type Cache struct {
	client  *redis.Client
	maxTTL  time.Duration
	enabled atomic.Bool
	now     func() time.Time
}

func NewCache(client *redis.Client, enabled bool, maxTTL time.Duration) *Cache {
	if maxTTL <= 0 || maxTTL > time.Minute {
		maxTTL = time.Minute
	}
	c := &Cache{client: client, maxTTL: maxTTL, now: time.Now}
	c.enabled.Store(enabled)
	return c
}

// Enabled reports whether the cache participates in authorization. The
// process-wide toggle exists to diagnose cache-vs-no-cache discrepancies.
func (c *Cache) Enabled() bool { return c != nil && c.enabled.Load() }

func (c *Cache) Enable()  { c.enabled.Store(true) }
func (c *Cache) Disable() { c.enabled.Store(false) }

const violationsSetKey = "limit_violations"

// Signature hashes the request tuple that uniquely identifies a cacheable
// authorization: action, credentials (app_id or user_key), and the set of
// usage metric names.
func Signature(action, providerKey, serviceID, appID, userID, appKey, userKey, referrer, redirectURL string, usage map[string]string) string {
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, part := range []string{action, providerKey, serviceID, appID, userID, appKey, userKey, referrer, redirectURL, strings.Join(names, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint renders the version string a cache entry is valid against. A
// cached entry is served only while the stored fingerprint equals the
// freshly computed one: any entity mutation bumps a version, and any
// reported transaction bumps the application's usage epoch, so both
// invalidate.
func Fingerprint(serviceVersion, appVersion, userVersion, usageEpoch int64, hasUser bool) string {
	fp := fmt.Sprintf("s:%d/a:%d", serviceVersion, appVersion)
	if hasUser {
		fp += fmt.Sprintf("/u:%d", userVersion)
	}
	return fp + fmt.Sprintf("/e:%d", usageEpoch)
}

func signatureKey(sig string) string { return "auth_cache:" + sig }
func statusKey(sig string) string    { return "auth_cache:" + sig + ":status" }

// cachedStatus is the compact stored representation. Period start/end are
// not stored: they are recomputed from the clock at decode time, which is
// safe because the entry cannot outlive the minute it was written in.
type cachedStatus struct {
	Authorized       bool           `json:"authorized"`
	RejectionCode    string         `json:"rejection_code,omitempty"`
	RejectionMessage string         `json:"rejection_message,omitempty"`
	PlanName         string         `json:"plan_name,omitempty"`
	UserPlanName     string         `json:"user_plan_name,omitempty"`
	UsageReports     []cachedReport `json:"usage_reports,omitempty"`
	UserUsageReports []cachedReport `json:"user_usage_reports,omitempty"`
}

type cachedReport struct {
	MetricID   string             `json:"metric_id"`
	MetricName string             `json:"metric_name"`
	Period     period.Granularity `json:"period"`
	Max        int64              `json:"max"`
	Current    int64              `json:"current"`
}

// Lookup returns the cached status for the signature when present and
// still current. Any decode problem is a miss, never fatal.
func (c *Cache) Lookup(ctx context.Context, sig, fingerprint string) (Status, bool) {
	if !c.Enabled() {
		return Status{}, false
	}

	pipe := c.client.Pipeline()
	fpCmd := pipe.Get(ctx, signatureKey(sig))
	statusCmd := pipe.Get(ctx, statusKey(sig))
	if _, err := pipe.Exec(ctx); err != nil {
		return Status{}, false
	}

	if fpCmd.Val() != fingerprint {
		return Status{}, false
	}

	var cached cachedStatus
	if err := json.Unmarshal([]byte(statusCmd.Val()), &cached); err != nil {
		return Status{}, false
	}
	return cached.toStatus(c.now()), true
}

// Store writes the signature's fingerprint and serialized status, and
// maintains the global limit-violations set. The TTL never crosses the next
// wall-clock minute boundary, so entries cannot outlive the
// minute-granularity counters they reflect.
func (c *Cache) Store(ctx context.Context, sig, fingerprint, violationsMember string, status Status) {
	if !c.Enabled() {
		return
	}

	payload, err := json.Marshal(fromStatus(status))
	if err != nil {
		return
	}

	ttl := c.entryTTL()
	pipe := c.client.Pipeline()
	pipe.Set(ctx, signatureKey(sig), fingerprint, ttl)
	pipe.Set(ctx, statusKey(sig), payload, ttl)
	if status.Authorized {
		pipe.SRem(ctx, violationsSetKey, violationsMember)
	} else {
		pipe.SAdd(ctx, violationsSetKey, violationsMember)
	}
	_, _ = pipe.Exec(ctx)
}

// LimitViolations lists the app/user pairs whose last recomputed
// authorization was denied.
func (c *Cache) LimitViolations(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, violationsSetKey).Result()
}

// ClearViolation removes a member whose recomputed authorization is no
// longer denied.
func (c *Cache) ClearViolation(ctx context.Context, member string) error {
	return c.client.SRem(ctx, violationsSetKey, member).Err()
}

// entryTTL returns the seconds remaining until the next minute boundary,
// capped by maxTTL and floored at one second.
func (c *Cache) entryTTL() time.Duration {
	now := c.now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	ttl := next.Sub(now)
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (c cachedStatus) toStatus(now time.Time) Status {
	return Status{
		Authorized:       c.Authorized,
		RejectionCode:    c.RejectionCode,
		RejectionMessage: c.RejectionMessage,
		PlanName:         c.PlanName,
		UserPlanName:     c.UserPlanName,
		UsageReports:     toReports(c.UsageReports, now),
		UserUsageReports: toReports(c.UserUsageReports, now),
	}
}

func toReports(cached []cachedReport, now time.Time) []UsageReport {
	if len(cached) == 0 {
		return nil
	}
	out := make([]UsageReport, len(cached))
	for i, r := range cached {
		out[i] = UsageReport{
			MetricID:     r.MetricID,
			MetricName:   r.MetricName,
			Period:       r.Period,
			PeriodStart:  r.Period.Truncate(now),
			PeriodEnd:    r.Period.Next(now),
			MaxValue:     r.Max,
			CurrentValue: r.Current,
			Exceeded:     r.Current > r.Max,
		}
	}
	return out
}

func fromStatus(status Status) cachedStatus {
	return cachedStatus{
		Authorized:       status.Authorized,
		RejectionCode:    status.RejectionCode,
		RejectionMessage: status.RejectionMessage,
		PlanName:         status.PlanName,
		UserPlanName:     status.UserPlanName,
		UsageReports:     fromReports(status.UsageReports),
		UserUsageReports: fromReports(status.UserUsageReports),
	}
}

func fromReports(reports []UsageReport) []cachedReport {
	if len(reports) == 0 {
		return nil
	}
	out := make([]cachedReport, len(reports))
	for i, r := range reports {
		out[i] = cachedReport{
			MetricID:   r.MetricID,
			MetricName: r.MetricName,
			Period:     r.Period,
			Max:        r.MaxValue,
			Current:    r.CurrentValue,
		}
	}
	return out
}
