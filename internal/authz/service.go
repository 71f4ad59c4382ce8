package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ncecere/usage_meter/internal/apierror"
	"github.com/ncecere/usage_meter/internal/counters"
	"github.com/ncecere/usage_meter/internal/observability"
	"github.com/ncecere/usage_meter/internal/period"
	"github.com/ncecere/usage_meter/internal/registry"
)

// Request is one authorization question: may this application (and user)
// make a call, optionally one that would add Usage on top of what is
// already recorded. The application is identified by AppID or, exclusively,
// by UserKey, which the registry resolves to an application id.
type Request struct {
	ProviderKey string            `json:"provider_key"`
	ServiceID   string            `json:"service_id,omitempty"`
	AppID       string            `json:"app_id,omitempty"`
	UserKey     string            `json:"user_key,omitempty"`
	AppKey      string            `json:"app_key,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Usage       map[string]string `json:"usage,omitempty"`
}

// UtilizationTracker receives every authorization decision so utilization
// alerts can fire. Implemented by the alerts package.
type UtilizationTracker interface {
	Process(ctx context.Context, svc registry.Service, appID string, status Status, now time.Time) error
}

type Service struct {
	registry *registry.Store
	counters *counters.Store
	cache    *Cache
	tracker  UtilizationTracker
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(reg *registry.Store, ctr *counters.Store, cache *Cache, tracker UtilizationTracker, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: reg,
		counters: ctr,
		cache:    cache,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Cache exposes the authorization cache for the process-wide toggle.
func (s *Service) Cache() *Cache { return s.cache }

// Authorize answers a single authorization request. Validation failures
// come back as a rejected Status with a stable code, not as an error;
// errors are reserved for store failures. The decision reflects the
// requested incremental usage when present.
func (s *Service) Authorize(ctx context.Context, req Request) (Status, error) {
	now := s.now()

	svc, err := s.registry.ServiceByProviderKey(ctx, req.ProviderKey)
	if err != nil {
		status, err := rejectionOrError(err)
		return s.finish(ctx, registry.Service{}, req.AppID, status, err)
	}
	if req.ServiceID != "" && req.ServiceID != svc.ID {
		return s.finish(ctx, svc, req.AppID, rejectedStatus(apierror.ServiceNotFound(req.ServiceID)), nil)
	}

	if req.UserKey != "" {
		if req.AppID != "" {
			return s.finish(ctx, svc, req.AppID, rejectedStatus(apierror.AuthenticationError()), nil)
		}
		appID, err := s.registry.ApplicationIDByUserKey(ctx, svc.ID, req.UserKey)
		if err != nil {
			status, err := rejectionOrError(err)
			return s.finish(ctx, svc, "", status, err)
		}
		req.AppID = appID
	}

	delta, err := s.expandRequested(ctx, svc.ID, req.Usage)
	if err != nil {
		status, err := rejectionOrError(err)
		return s.finish(ctx, svc, req.AppID, status, err)
	}

	hasUser := req.UserID != ""
	serviceVersion, appVersion, userVersion, err := s.registry.Versions(ctx, svc.ID, req.AppID, req.UserID)
	if err != nil {
		return Status{}, err
	}
	epoch, err := s.counters.UsageEpoch(ctx, svc.ID, req.AppID)
	if err != nil {
		return Status{}, err
	}
	fingerprint := Fingerprint(serviceVersion, appVersion, userVersion, epoch, hasUser)
	sig := Signature("authorize", req.ProviderKey, svc.ID, req.AppID, req.UserID, req.AppKey, req.UserKey, req.Referrer, req.RedirectURL, req.Usage)

	if cached, ok := s.cache.Lookup(ctx, sig, fingerprint); ok {
		s.metrics.AuthCacheHit()
		return s.finish(ctx, svc, req.AppID, ApplyIncrementalUsage(cached, delta), nil)
	}
	s.metrics.AuthCacheMiss()

	base, err := s.evaluate(ctx, svc, req, now)
	if err != nil {
		return Status{}, err
	}

	s.cache.Store(ctx, sig, fingerprint, violationsMember(svc.ID, req.AppID, req.UserID), base)

	return s.finish(ctx, svc, req.AppID, ApplyIncrementalUsage(base, delta), nil)
}

// finish runs the utilization tracker and records metrics before returning
// the decision. Tracker failures are logged, never surfaced: alerting is
// best-effort by design.
func (s *Service) finish(ctx context.Context, svc registry.Service, appID string, status Status, err error) (Status, error) {
	if err != nil {
		return Status{}, err
	}
	s.metrics.Authorize(status.Authorized)
	if s.tracker != nil && svc.ID != "" && appID != "" {
		if trackErr := s.tracker.Process(ctx, svc, appID, status, s.now()); trackErr != nil && !errors.Is(trackErr, context.Canceled) {
			s.logger.WarnContext(ctx, "authz: utilization tracking",
				slog.String("service_id", svc.ID),
				slog.String("application_id", appID),
				slog.String("error", trackErr.Error()),
			)
		}
	}
	return status, nil
}

// evaluate computes the authoritative status from live counters, with no
// cache participation.
func (s *Service) evaluate(ctx context.Context, svc registry.Service, req Request, now time.Time) (Status, error) {
	app, err := s.registry.Application(ctx, svc.ID, req.AppID)
	if err != nil {
		if status, ok := rejection(err); ok {
			return status, nil
		}
		return Status{}, err
	}

	ec := &evalContext{request: req, service: svc, app: app}
	if req.UserID != "" {
		user, found, err := s.registry.User(ctx, svc.ID, req.UserID)
		if err != nil {
			return Status{}, err
		}
		if !found {
			// Unregistered users ride on the service's default user plan
			// unless registration is mandatory (checked by the validators).
			user = registry.User{
				ServiceID: svc.ID,
				Username:  req.UserID,
				State:     registry.StateActive,
				PlanID:    svc.DefaultUserPlanID,
				PlanName:  svc.DefaultUserPlanName,
			}
		}
		ec.user = user
		ec.hasUser = found
	}

	if rejectionErr := runValidators(ec); rejectionErr != nil {
		return rejectedStatus(rejectionErr), nil
	}

	status, err := s.buildStatus(ctx, svc, app, ec.user, req.UserID != "", now)
	if err != nil {
		return Status{}, err
	}
	status.applyLimits()
	return status, nil
}

// BuildStatus computes the limit-only view of an application's usage, with
// no credential validation. Used by the report-path utilization refresh and
// by diagnostics.
func (s *Service) BuildStatus(ctx context.Context, serviceID, appID, userID string) (Status, error) {
	svc, err := s.registry.Service(ctx, serviceID)
	if err != nil {
		return Status{}, err
	}
	app, err := s.registry.Application(ctx, serviceID, appID)
	if err != nil {
		return Status{}, err
	}
	var user registry.User
	if userID != "" {
		loaded, found, err := s.registry.User(ctx, serviceID, userID)
		if err != nil {
			return Status{}, err
		}
		if found {
			user = loaded
		} else {
			user = registry.User{ServiceID: serviceID, Username: userID, PlanID: svc.DefaultUserPlanID, PlanName: svc.DefaultUserPlanName}
		}
	}

	status, err := s.buildStatus(ctx, svc, app, user, userID != "", s.now())
	if err != nil {
		return Status{}, err
	}
	status.applyLimits()
	return status, nil
}

func (s *Service) buildStatus(ctx context.Context, svc registry.Service, app registry.Application, user registry.User, hasUser bool, now time.Time) (Status, error) {
	status := Status{Authorized: true, PlanName: app.PlanName}

	reports, err := s.limitReports(ctx, svc.ID, app.PlanID, func(slots []counters.Slot) (map[counters.Slot]int64, error) {
		return s.counters.AppUsage(ctx, svc.ID, app.ID, slots, now)
	}, now)
	if err != nil {
		return Status{}, err
	}
	status.UsageReports = reports

	if hasUser && user.PlanID != "" {
		status.UserPlanName = user.PlanName
		userReports, err := s.limitReports(ctx, svc.ID, user.PlanID, func(slots []counters.Slot) (map[counters.Slot]int64, error) {
			return s.counters.UserUsage(ctx, svc.ID, app.ID, user.Username, slots, now)
		}, now)
		if err != nil {
			return Status{}, err
		}
		status.UserUsageReports = userReports
	}

	return status, nil
}

func (s *Service) limitReports(ctx context.Context, serviceID, planID string, read func([]counters.Slot) (map[counters.Slot]int64, error), now time.Time) ([]UsageReport, error) {
	limits, err := s.registry.UsageLimits(ctx, serviceID, planID)
	if err != nil {
		return nil, err
	}
	if len(limits) == 0 {
		return nil, nil
	}

	slots := make([]counters.Slot, len(limits))
	for i, limit := range limits {
		slots[i] = counters.Slot{MetricID: limit.MetricID, Granularity: limit.Period}
	}
	usage, err := read(slots)
	if err != nil {
		return nil, err
	}

	reports := make([]UsageReport, len(limits))
	for i, limit := range limits {
		name := limit.MetricID
		if metric, err := s.registry.Metric(ctx, serviceID, limit.MetricID); err == nil {
			name = metric.Name
		}
		reports[i] = UsageReport{
			MetricID:     limit.MetricID,
			MetricName:   name,
			Period:       limit.Period,
			PeriodStart:  limit.Period.Truncate(now),
			PeriodEnd:    limit.Period.Next(now),
			MaxValue:     limit.Value,
			CurrentValue: usage[slots[i]],
		}
	}
	return reports, nil
}

// CurrentUsage returns {period -> {metric_id -> value}} for every metric
// limited by the application's plan.
func (s *Service) CurrentUsage(ctx context.Context, serviceID, appID, userID string) (map[period.Granularity]map[string]int64, error) {
	app, err := s.registry.Application(ctx, serviceID, appID)
	if err != nil {
		return nil, err
	}
	limits, err := s.registry.UsageLimits(ctx, serviceID, app.PlanID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(limits))
	metricIDs := make([]string, 0, len(limits))
	for _, limit := range limits {
		if _, ok := seen[limit.MetricID]; ok {
			continue
		}
		seen[limit.MetricID] = struct{}{}
		metricIDs = append(metricIDs, limit.MetricID)
	}

	return s.counters.CurrentUsage(ctx, serviceID, appID, userID, metricIDs, s.now())
}

func (s *Service) expandRequested(ctx context.Context, serviceID string, usage map[string]string) (map[string]int64, error) {
	if len(usage) == 0 {
		return nil, nil
	}
	return s.registry.ExpandUsage(ctx, serviceID, usage)
}

func violationsMember(serviceID, appID, userID string) string {
	member := fmt.Sprintf("%s:%s", serviceID, appID)
	if userID != "" {
		member += "#" + userID
	}
	return member
}

// rejection converts a validation error into a rejected status.
func rejection(err error) (Status, bool) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return rejectedStatus(apiErr), true
	}
	return Status{}, false
}

// rejectionOrError splits validation errors (surfaced as rejected
// statuses) from infrastructure errors.
func rejectionOrError(err error) (Status, error) {
	if status, ok := rejection(err); ok {
		return status, nil
	}
	return Status{}, err
}
