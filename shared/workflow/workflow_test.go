package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(ReportStatusUnderReview, ReportStatusApproved) {
		t.Fatalf("expected under_review -> approved to be allowed")
	}
	if !CanTransition(" UNDER_REVIEW ", ReportStatusRejected) {
		t.Fatalf("expected status normalization before lookup")
	}
	if !CanTransition(ReportStatusUnderReview, ReportStatusUnderReview) {
		t.Fatalf("expected interim result to keep the report under review")
	}
	for _, terminal := range []string{ReportStatusApproved, ReportStatusRejected} {
		for _, to := range AllReportStatuses() {
			if CanTransition(terminal, to) {
				t.Fatalf("expected %s -> %s to be blocked", terminal, to)
			}
		}
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if ev := EventTypeForTransition(ReportStatusUnderReview, ReportStatusApproved); ev != ReportEventApproved {
		t.Fatalf("unexpected event type %q", ev)
	}
	if ev := EventTypeForTransition(ReportStatusApproved, ReportStatusRejected); ev != "" {
		t.Fatalf("expected no event for a terminal source, got %q", ev)
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(ReportStatusUnderReview) {
		t.Fatalf("under_review is not terminal")
	}
	if !IsTerminal("Approved") || !IsTerminal(ReportStatusRejected) {
		t.Fatalf("approved and rejected are terminal")
	}
	if IsKnownStatus("pending") {
		t.Fatalf("pending is not a report status")
	}
}
