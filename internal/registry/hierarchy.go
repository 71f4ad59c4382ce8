package registry

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ncecere/usage_meter/internal/apierror"
)

// maxHierarchyDepth bounds the parent walk so a corrupted parent pointer
// cannot loop forever. Real hierarchies are one or two levels deep.
const maxHierarchyDepth = 16

var ErrHierarchyTooDeep = errors.New("metric hierarchy exceeds maximum depth")

// ExpandUsage turns a reported usage map keyed by metric name into one
// keyed by metric id, folding every metric's amount into each of its
// ancestors as well. Expansion happens once per report, so a child metric's
// traffic shows up in the parent's rollups without extra work at increment
// time.
//
// An unknown metric name fails with metric_not_found; a blank or
// non-integer amount fails with usage_value_invalid.
func (s *Store) ExpandUsage(ctx context.Context, serviceID string, usage map[string]string) (map[string]int64, error) {
	expanded := make(map[string]int64, len(usage))

	for name, raw := range usage {
		amount, err := parseUsageValue(name, raw)
		if err != nil {
			return nil, err
		}

		metricID, err := s.MetricIDByName(ctx, serviceID, name)
		if err != nil {
			return nil, err
		}

		expanded[metricID] += amount
		for hop := 0; ; hop++ {
			if hop >= maxHierarchyDepth {
				return nil, ErrHierarchyTooDeep
			}
			metric, err := s.Metric(ctx, serviceID, metricID)
			if err != nil {
				return nil, err
			}
			if metric.ParentID == "" {
				break
			}
			expanded[metric.ParentID] += amount
			metricID = metric.ParentID
		}
	}

	return expanded, nil
}

// Ancestors returns the chain of ancestor metric ids for a metric, nearest
// parent first.
func (s *Store) Ancestors(ctx context.Context, serviceID, metricID string) ([]string, error) {
	var chain []string
	for hop := 0; ; hop++ {
		if hop >= maxHierarchyDepth {
			return nil, ErrHierarchyTooDeep
		}
		metric, err := s.Metric(ctx, serviceID, metricID)
		if err != nil {
			return nil, err
		}
		if metric.ParentID == "" {
			return chain, nil
		}
		chain = append(chain, metric.ParentID)
		metricID = metric.ParentID
	}
}

func parseUsageValue(metric, raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, apierror.UsageValueInvalid(metric, raw)
	}
	amount, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, apierror.UsageValueInvalid(metric, raw)
	}
	return amount, nil
}
