// Package keys builds the counter key strings stored in Redis. The format
// is a stable external contract: other tooling reads these keys directly.
//
//	stats/{service:<id>}/cinstance:<app_id>[#<user_id>]/metric:<metric_id>/<period>:<bucket>
//
// Service-wide counters drop the cinstance segment, and eternity counters
// drop the bucket suffix. The curly braces around the service component are
// a hash tag: every key for one service lands on the same shard, which is a
// correctness requirement for batched multi-key operations across a
// service's counters, not an optimization.
package keys

import (
	"fmt"
	"time"

	"github.com/ncecere/usage_meter/internal/period"
)

// ServicePrefix returns the shared prefix of every counter key for a
// service, including the hash tag.
func ServicePrefix(serviceID string) string {
	return fmt.Sprintf("stats/{service:%s}", serviceID)
}

// Counter identifies one logical counter. UserID is empty for
// application-scope counters; ApplicationID is empty for service-scope
// counters.
type Counter struct {
	ServiceID     string
	ApplicationID string
	UserID        string
	MetricID      string
	Granularity   period.Granularity
}

// Key renders the storage key for the bucket containing ts. Identical
// inputs always produce identical keys, and distinct logical counters never
// collide: every component is embedded behind an unambiguous tag.
func (c Counter) Key(ts time.Time) string {
	prefix := ServicePrefix(c.ServiceID)
	if c.ApplicationID != "" {
		instance := c.ApplicationID
		if c.UserID != "" {
			instance += "#" + c.UserID
		}
		prefix = fmt.Sprintf("%s/cinstance:%s", prefix, instance)
	}
	suffix := string(c.Granularity)
	if bucket := c.Granularity.Bucket(ts); bucket != "" {
		suffix += ":" + bucket
	}
	return fmt.Sprintf("%s/metric:%s/%s", prefix, c.MetricID, suffix)
}

// Service returns the service-scope counter key.
func Service(serviceID, metricID string, g period.Granularity, ts time.Time) string {
	return Counter{ServiceID: serviceID, MetricID: metricID, Granularity: g}.Key(ts)
}

// Application returns the application-scope counter key.
func Application(serviceID, appID, metricID string, g period.Granularity, ts time.Time) string {
	return Counter{ServiceID: serviceID, ApplicationID: appID, MetricID: metricID, Granularity: g}.Key(ts)
}

// User returns the application+user-scope counter key.
func User(serviceID, appID, userID, metricID string, g period.Granularity, ts time.Time) string {
	return Counter{ServiceID: serviceID, ApplicationID: appID, UserID: userID, MetricID: metricID, Granularity: g}.Key(ts)
}
