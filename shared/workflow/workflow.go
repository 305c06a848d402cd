package workflow

import (
	"slices"
	"strings"
)

const (
	ReportStatusUnderReview = "under_review"
	ReportStatusApproved    = "approved"
	ReportStatusRejected    = "rejected"
)

const (
	ReportEventInterim  = "report_interim_result"
	ReportEventApproved = "report_approved"
	ReportEventRejected = "report_rejected"
)

// under_review may be rewritten by interim results; terminal statuses have no exits.
var reportTransitions = map[string]map[string]string{
	ReportStatusUnderReview: {
		ReportStatusUnderReview: ReportEventInterim,
		ReportStatusApproved:    ReportEventApproved,
		ReportStatusRejected:    ReportEventRejected,
	},
}

func NormalizeReportStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsKnownStatus(status string) bool {
	return slices.Contains(AllReportStatuses(), NormalizeReportStatus(status))
}

func IsTerminal(status string) bool {
	switch NormalizeReportStatus(status) {
	case ReportStatusApproved, ReportStatusRejected:
		return true
	default:
		return false
	}
}

func CanTransition(fromStatus string, toStatus string) bool {
	next := reportTransitions[NormalizeReportStatus(fromStatus)]
	if next == nil {
		return false
	}
	_, ok := next[NormalizeReportStatus(toStatus)]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	next := reportTransitions[NormalizeReportStatus(fromStatus)]
	if next == nil {
		return ""
	}
	return next[NormalizeReportStatus(toStatus)]
}

func AllReportStatuses() []string {
	return []string{
		ReportStatusUnderReview,
		ReportStatusApproved,
		ReportStatusRejected,
	}
}
