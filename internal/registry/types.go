package registry

import "github.com/ncecere/usage_meter/internal/period"

// Service is the provider-side configuration record. ProviderKey is the
// credential presented on authorize calls; AlertBins is the allow-list of
// utilization bins that may emit alert events.
type Service struct {
	ID                       string
	ProviderKey              string
	State                    string
	DefaultUserPlanID        string
	DefaultUserPlanName      string
	UserRegistrationRequired bool
	AlertBins                []int
}

// Application is a consumer of a service. Keys is the set of valid
// application keys; an empty set means no key is required. UserKey is the
// single-token alternative credential: requests carrying it instead of an
// app id resolve to this application. ReferrerFilters restricts callers by
// referrer when non-empty. UserRequired forces every request to carry a
// user id.
type Application struct {
	ServiceID       string
	ID              string
	State           string
	PlanID          string
	PlanName        string
	RedirectURL     string
	UserKey         string
	UserRequired    bool
	Keys            []string
	ReferrerFilters []string
}

const StateActive = "active"

// Active reports whether the application may be authorized at all.
func (a Application) Active() bool { return a.State == StateActive }

// HasKeys reports whether application keys are enforced.
func (a Application) HasKeys() bool { return len(a.Keys) > 0 }

// Metric is a named countable unit. Metrics form a forest per service: a
// metric with a non-empty ParentID contributes its usage to the parent's
// rollups.
type Metric struct {
	ServiceID string
	ID        string
	Name      string
	ParentID  string
}

// UsageLimit caps the value a counter may reach within one period. Absence
// of a limit for a period means unlimited for that period.
type UsageLimit struct {
	ServiceID string
	PlanID    string
	MetricID  string
	Period    period.Granularity
	Value     int64
}

// User is an end user of an application, carrying its own plan when user
// limits participate in authorization.
type User struct {
	ServiceID string
	Username  string
	State     string
	PlanID    string
	PlanName  string
}

func (u User) Active() bool { return u.State == StateActive }
