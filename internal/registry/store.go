package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/apierror"
	"github.com/ncecere/usage_meter/internal/period"
)

// Store persists service, application, metric, usage-limit, and user
// records. Every entity carries a monotonically increasing version that is
// bumped on each mutation affecting authorization; the authorization cache
// uses those versions as its freshness fingerprint. Limit and metric
// mutations bump the owning service's version, since plans and metrics have
// no component of their own in the fingerprint.
type Store struct {
	client *redis.Client
	memo   *MemoCache
}

func NewStore(client *redis.Client, memo *MemoCache) *Store {
	if memo == nil {
		memo = NewMemoCache(time.Minute)
	}
	return &Store{client: client, memo: memo}
}

func serviceKey(id string) string        { return "config:service:" + id }
func serviceVersionKey(id string) string { return "config:service:" + id + ":version" }
func providerKeyIndex(pk string) string  { return "config:provider_key:" + pk }

func appKey(serviceID, id string) string {
	return fmt.Sprintf("config:app:%s:%s", serviceID, id)
}
func appVersionKey(serviceID, id string) string   { return appKey(serviceID, id) + ":version" }
func appKeySetKey(serviceID, id string) string    { return appKey(serviceID, id) + ":keys" }
func appReferrersKey(serviceID, id string) string { return appKey(serviceID, id) + ":referrers" }

func userKeyIndex(serviceID, key string) string {
	return fmt.Sprintf("config:user_key:%s:%s", serviceID, key)
}

func metricKey(serviceID, id string) string {
	return fmt.Sprintf("config:metric:%s:%s", serviceID, id)
}
func metricNameIndex(serviceID, name string) string {
	return fmt.Sprintf("config:metric_name:%s:%s", serviceID, name)
}

func limitsKey(serviceID, planID string) string {
	return fmt.Sprintf("config:limits:%s:%s", serviceID, planID)
}

func userKey(serviceID, username string) string {
	return fmt.Sprintf("config:user:%s:%s", serviceID, username)
}
func userVersionKey(serviceID, username string) string {
	return userKey(serviceID, username) + ":version"
}

// SaveService writes the service record and bumps its version.
func (s *Store) SaveService(ctx context.Context, svc Service) error {
	if svc.ID == "" {
		return errors.New("service id required")
	}
	bins := make([]string, 0, len(svc.AlertBins))
	for _, bin := range svc.AlertBins {
		bins = append(bins, strconv.Itoa(bin))
	}
	fields := map[string]any{
		"provider_key":               svc.ProviderKey,
		"state":                      svc.State,
		"default_user_plan_id":       svc.DefaultUserPlanID,
		"default_user_plan_name":     svc.DefaultUserPlanName,
		"user_registration_required": boolField(svc.UserRegistrationRequired),
		"alert_bins":                 strings.Join(bins, ","),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, serviceKey(svc.ID), fields)
	if svc.ProviderKey != "" {
		pipe.Set(ctx, providerKeyIndex(svc.ProviderKey), svc.ID, 0)
	}
	pipe.Incr(ctx, serviceVersionKey(svc.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save service: %w", err)
	}

	s.memo.Delete("service:"+svc.ID, "pk:"+svc.ProviderKey)
	return nil
}

// Service loads a service record by id.
func (s *Store) Service(ctx context.Context, id string) (Service, error) {
	if cached, ok := s.memo.Get("service:" + id); ok {
		return cached.(Service), nil
	}

	fields, err := s.client.HGetAll(ctx, serviceKey(id)).Result()
	if err != nil {
		return Service{}, fmt.Errorf("load service: %w", err)
	}
	if len(fields) == 0 {
		return Service{}, apierror.ServiceNotFound(id)
	}

	svc := Service{
		ID:                       id,
		ProviderKey:              fields["provider_key"],
		State:                    fields["state"],
		DefaultUserPlanID:        fields["default_user_plan_id"],
		DefaultUserPlanName:      fields["default_user_plan_name"],
		UserRegistrationRequired: fields["user_registration_required"] == "1",
	}
	if raw := fields["alert_bins"]; raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if bin, err := strconv.Atoi(part); err == nil {
				svc.AlertBins = append(svc.AlertBins, bin)
			}
		}
	}

	s.memo.Set("service:"+id, svc)
	return svc, nil
}

// ServiceByProviderKey resolves a provider key to its service record.
func (s *Store) ServiceByProviderKey(ctx context.Context, providerKey string) (Service, error) {
	if cached, ok := s.memo.Get("pk:" + providerKey); ok {
		return s.Service(ctx, cached.(string))
	}

	id, err := s.client.Get(ctx, providerKeyIndex(providerKey)).Result()
	if errors.Is(err, redis.Nil) {
		return Service{}, apierror.ProviderKeyInvalid(providerKey)
	}
	if err != nil {
		return Service{}, fmt.Errorf("resolve provider key: %w", err)
	}

	s.memo.Set("pk:"+providerKey, id)
	return s.Service(ctx, id)
}

// SaveApplication writes the application record and bumps its version.
func (s *Store) SaveApplication(ctx context.Context, app Application) error {
	if app.ServiceID == "" || app.ID == "" {
		return errors.New("application service id and id required")
	}
	fields := map[string]any{
		"state":         app.State,
		"plan_id":       app.PlanID,
		"plan_name":     app.PlanName,
		"redirect_url":  app.RedirectURL,
		"user_key":      app.UserKey,
		"user_required": boolField(app.UserRequired),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, appKey(app.ServiceID, app.ID), fields)
	pipe.Del(ctx, appKeySetKey(app.ServiceID, app.ID), appReferrersKey(app.ServiceID, app.ID))
	if len(app.Keys) > 0 {
		pipe.SAdd(ctx, appKeySetKey(app.ServiceID, app.ID), toAnySlice(app.Keys)...)
	}
	if len(app.ReferrerFilters) > 0 {
		pipe.SAdd(ctx, appReferrersKey(app.ServiceID, app.ID), toAnySlice(app.ReferrerFilters)...)
	}
	if app.UserKey != "" {
		pipe.Set(ctx, userKeyIndex(app.ServiceID, app.UserKey), app.ID, 0)
	}
	pipe.Incr(ctx, appVersionKey(app.ServiceID, app.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save application: %w", err)
	}

	s.memo.Delete(
		fmt.Sprintf("app:%s:%s", app.ServiceID, app.ID),
		fmt.Sprintf("uk:%s:%s", app.ServiceID, app.UserKey),
	)
	return nil
}

// Application loads an application record, including keys and referrer filters.
func (s *Store) Application(ctx context.Context, serviceID, id string) (Application, error) {
	memoKey := fmt.Sprintf("app:%s:%s", serviceID, id)
	if cached, ok := s.memo.Get(memoKey); ok {
		return cached.(Application), nil
	}

	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, appKey(serviceID, id))
	keysCmd := pipe.SMembers(ctx, appKeySetKey(serviceID, id))
	referrersCmd := pipe.SMembers(ctx, appReferrersKey(serviceID, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return Application{}, fmt.Errorf("load application: %w", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return Application{}, apierror.ApplicationNotFound(id)
	}

	app := Application{
		ServiceID:       serviceID,
		ID:              id,
		State:           fields["state"],
		PlanID:          fields["plan_id"],
		PlanName:        fields["plan_name"],
		RedirectURL:     fields["redirect_url"],
		UserKey:         fields["user_key"],
		UserRequired:    fields["user_required"] == "1",
		Keys:            sortedCopy(keysCmd.Val()),
		ReferrerFilters: sortedCopy(referrersCmd.Val()),
	}

	s.memo.Set(memoKey, app)
	return app, nil
}

// ApplicationIDByUserKey resolves a user-key credential to the application
// id it identifies.
func (s *Store) ApplicationIDByUserKey(ctx context.Context, serviceID, key string) (string, error) {
	memoKey := fmt.Sprintf("uk:%s:%s", serviceID, key)
	if cached, ok := s.memo.Get(memoKey); ok {
		return cached.(string), nil
	}

	id, err := s.client.Get(ctx, userKeyIndex(serviceID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", apierror.UserKeyInvalid(key)
	}
	if err != nil {
		return "", fmt.Errorf("resolve user key: %w", err)
	}

	s.memo.Set(memoKey, id)
	return id, nil
}

// SaveMetric writes a metric record and its name index. Metric changes
// reshape the hierarchy every rollup depends on, so they bump the service
// version.
func (s *Store) SaveMetric(ctx context.Context, m Metric) error {
	if m.ServiceID == "" || m.ID == "" || m.Name == "" {
		return errors.New("metric service id, id, and name required")
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, metricKey(m.ServiceID, m.ID), map[string]any{
		"name":      m.Name,
		"parent_id": m.ParentID,
	})
	pipe.Set(ctx, metricNameIndex(m.ServiceID, m.Name), m.ID, 0)
	pipe.Incr(ctx, serviceVersionKey(m.ServiceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save metric: %w", err)
	}

	s.memo.Delete(
		fmt.Sprintf("metric:%s:%s", m.ServiceID, m.ID),
		fmt.Sprintf("metricname:%s:%s", m.ServiceID, m.Name),
		"service:"+m.ServiceID,
	)
	return nil
}

// Metric loads a metric record by id.
func (s *Store) Metric(ctx context.Context, serviceID, id string) (Metric, error) {
	memoKey := fmt.Sprintf("metric:%s:%s", serviceID, id)
	if cached, ok := s.memo.Get(memoKey); ok {
		return cached.(Metric), nil
	}

	fields, err := s.client.HGetAll(ctx, metricKey(serviceID, id)).Result()
	if err != nil {
		return Metric{}, fmt.Errorf("load metric: %w", err)
	}
	if len(fields) == 0 {
		return Metric{}, apierror.MetricNotFound(id)
	}

	m := Metric{
		ServiceID: serviceID,
		ID:        id,
		Name:      fields["name"],
		ParentID:  fields["parent_id"],
	}
	s.memo.Set(memoKey, m)
	return m, nil
}

// MetricIDByName resolves a reported metric name to its id.
func (s *Store) MetricIDByName(ctx context.Context, serviceID, name string) (string, error) {
	memoKey := fmt.Sprintf("metricname:%s:%s", serviceID, name)
	if cached, ok := s.memo.Get(memoKey); ok {
		return cached.(string), nil
	}

	id, err := s.client.Get(ctx, metricNameIndex(serviceID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", apierror.MetricNotFound(name)
	}
	if err != nil {
		return "", fmt.Errorf("resolve metric name: %w", err)
	}

	s.memo.Set(memoKey, id)
	return id, nil
}

// SetUsageLimit writes one limit value. Limits hang off plans, which have
// no version component of their own, so the service version is bumped to
// invalidate cached authorizations.
func (s *Store) SetUsageLimit(ctx context.Context, limit UsageLimit) error {
	if !period.Valid(limit.Period) {
		return period.ErrInvalidGranularity
	}
	if limit.Value < 0 {
		return errors.New("usage limit value must be >= 0")
	}

	field := limitField(limit.MetricID, limit.Period)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, limitsKey(limit.ServiceID, limit.PlanID), field, limit.Value)
	pipe.Incr(ctx, serviceVersionKey(limit.ServiceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set usage limit: %w", err)
	}

	s.memo.Delete(fmt.Sprintf("limits:%s:%s", limit.ServiceID, limit.PlanID))
	return nil
}

// DeleteUsageLimit removes one limit value, making that period unlimited.
func (s *Store) DeleteUsageLimit(ctx context.Context, serviceID, planID, metricID string, g period.Granularity) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, limitsKey(serviceID, planID), limitField(metricID, g))
	pipe.Incr(ctx, serviceVersionKey(serviceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete usage limit: %w", err)
	}

	s.memo.Delete(fmt.Sprintf("limits:%s:%s", serviceID, planID))
	return nil
}

// UsageLimits returns every limit configured for a plan, ordered by metric
// then by granularity from finest to coarsest.
func (s *Store) UsageLimits(ctx context.Context, serviceID, planID string) ([]UsageLimit, error) {
	memoKey := fmt.Sprintf("limits:%s:%s", serviceID, planID)
	if cached, ok := s.memo.Get(memoKey); ok {
		return cached.([]UsageLimit), nil
	}

	fields, err := s.client.HGetAll(ctx, limitsKey(serviceID, planID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load usage limits: %w", err)
	}

	limits := make([]UsageLimit, 0, len(fields))
	for field, raw := range fields {
		metricID, g, ok := parseLimitField(field)
		if !ok {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		limits = append(limits, UsageLimit{
			ServiceID: serviceID,
			PlanID:    planID,
			MetricID:  metricID,
			Period:    g,
			Value:     value,
		})
	}
	sort.Slice(limits, func(i, j int) bool {
		if limits[i].MetricID != limits[j].MetricID {
			return limits[i].MetricID < limits[j].MetricID
		}
		return granularityRank(limits[i].Period) < granularityRank(limits[j].Period)
	})

	s.memo.Set(memoKey, limits)
	return limits, nil
}

// SaveUser writes a user record and bumps its version.
func (s *Store) SaveUser(ctx context.Context, u User) error {
	if u.ServiceID == "" || u.Username == "" {
		return errors.New("user service id and username required")
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, userKey(u.ServiceID, u.Username), map[string]any{
		"state":     u.State,
		"plan_id":   u.PlanID,
		"plan_name": u.PlanName,
	})
	pipe.Incr(ctx, userVersionKey(u.ServiceID, u.Username))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save user: %w", err)
	}

	s.memo.Delete(fmt.Sprintf("user:%s:%s", u.ServiceID, u.Username))
	return nil
}

// User loads a user record. A missing user is not an error here: when the
// service does not require registration, callers fall back to the service's
// default user plan.
func (s *Store) User(ctx context.Context, serviceID, username string) (User, bool, error) {
	memoKey := fmt.Sprintf("user:%s:%s", serviceID, username)
	if cached, ok := s.memo.Get(memoKey); ok {
		return cached.(User), true, nil
	}

	fields, err := s.client.HGetAll(ctx, userKey(serviceID, username)).Result()
	if err != nil {
		return User{}, false, fmt.Errorf("load user: %w", err)
	}
	if len(fields) == 0 {
		return User{}, false, nil
	}

	u := User{
		ServiceID: serviceID,
		Username:  username,
		State:     fields["state"],
		PlanID:    fields["plan_id"],
		PlanName:  fields["plan_name"],
	}
	s.memo.Set(memoKey, u)
	return u, true, nil
}

// Versions returns the current version counters for the given entities. A
// never-mutated entity reports version 0; userID may be empty.
func (s *Store) Versions(ctx context.Context, serviceID, appID, userID string) (service, app, user int64, err error) {
	versionKeys := []string{serviceVersionKey(serviceID), appVersionKey(serviceID, appID)}
	if userID != "" {
		versionKeys = append(versionKeys, userVersionKey(serviceID, userID))
	}

	values, err := s.client.MGet(ctx, versionKeys...).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load versions: %w", err)
	}

	parsed := make([]int64, len(values))
	for i, v := range values {
		if raw, ok := v.(string); ok {
			parsed[i], _ = strconv.ParseInt(raw, 10, 64)
		}
	}
	service, app = parsed[0], parsed[1]
	if userID != "" {
		user = parsed[2]
	}
	return service, app, user, nil
}

func limitField(metricID string, g period.Granularity) string {
	return metricID + ":" + string(g)
}

func parseLimitField(field string) (string, period.Granularity, bool) {
	idx := strings.LastIndex(field, ":")
	if idx <= 0 {
		return "", "", false
	}
	g, err := period.Parse(field[idx+1:])
	if err != nil {
		return "", "", false
	}
	return field[:idx], g, true
}

func granularityRank(g period.Granularity) int {
	for i, candidate := range period.All {
		if candidate == g {
			return i
		}
	}
	return len(period.All)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
