package authz

import (
	"time"

	"github.com/ncecere/usage_meter/internal/apierror"
	"github.com/ncecere/usage_meter/internal/period"
)

// UsageReport is the per-limit view of current usage that accompanies an
// authorization decision.
type UsageReport struct {
	MetricID     string             `json:"metric_id"`
	MetricName   string             `json:"metric_name"`
	Period       period.Granularity `json:"period"`
	PeriodStart  time.Time          `json:"period_start"`
	PeriodEnd    time.Time          `json:"period_end"`
	MaxValue     int64              `json:"max_value"`
	CurrentValue int64              `json:"current_value"`
	Exceeded     bool               `json:"exceeded"`
}

// Status is the outcome of an authorization. A limit violation is a normal
// status, not an error: Authorized is false, RejectionCode carries
// limits_exceeded, and every exceeded report is flagged.
type Status struct {
	Authorized       bool          `json:"authorized"`
	RejectionCode    string        `json:"rejection_code,omitempty"`
	RejectionMessage string        `json:"rejection_message,omitempty"`
	PlanName         string        `json:"plan_name,omitempty"`
	UserPlanName     string        `json:"user_plan_name,omitempty"`
	UsageReports     []UsageReport `json:"usage_reports,omitempty"`
	UserUsageReports []UsageReport `json:"user_usage_reports,omitempty"`
}

func rejectedStatus(err *apierror.Error) Status {
	return Status{
		Authorized:       false,
		RejectionCode:    err.Code,
		RejectionMessage: err.Message,
	}
}

// applyLimits recomputes the exceeded flags and the authorization verdict
// from the report values alone. It preserves any non-limit rejection
// already present: an earlier failure (bad key, suspended app) says nothing
// about quota and must not be overwritten.
func (s *Status) applyLimits() {
	exceeded := false
	for i := range s.UsageReports {
		s.UsageReports[i].Exceeded = s.UsageReports[i].CurrentValue > s.UsageReports[i].MaxValue
		exceeded = exceeded || s.UsageReports[i].Exceeded
	}
	for i := range s.UserUsageReports {
		s.UserUsageReports[i].Exceeded = s.UserUsageReports[i].CurrentValue > s.UserUsageReports[i].MaxValue
		exceeded = exceeded || s.UserUsageReports[i].Exceeded
	}

	switch {
	case s.RejectionCode != "" && s.RejectionCode != apierror.LimitsExceededCode:
		// keep the earlier rejection
	case exceeded:
		s.Authorized = false
		s.RejectionCode = apierror.LimitsExceededCode
		s.RejectionMessage = apierror.LimitsExceededMessage
	default:
		s.Authorized = true
		s.RejectionCode = ""
		s.RejectionMessage = ""
	}
}

// ApplyIncrementalUsage splices a caller's requested usage amounts into a
// status, answering "would this call still be authorized" by arithmetic
// alone, with no counter reads. The delta map must already be
// hierarchy-expanded and keyed by metric id.
func ApplyIncrementalUsage(status Status, delta map[string]int64) Status {
	out := status
	out.UsageReports = append([]UsageReport(nil), status.UsageReports...)
	out.UserUsageReports = append([]UsageReport(nil), status.UserUsageReports...)

	for i := range out.UsageReports {
		out.UsageReports[i].CurrentValue += delta[out.UsageReports[i].MetricID]
	}
	for i := range out.UserUsageReports {
		out.UserUsageReports[i].CurrentValue += delta[out.UserUsageReports[i].MetricID]
	}

	out.applyLimits()
	return out
}
