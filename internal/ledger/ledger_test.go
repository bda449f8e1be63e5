package ledger

import "testing"

func TestParseCategories(t *testing.T) {
	all, err := ParseCategories(nil)
	if err != nil || len(all) != 4 {
		t.Fatalf("Expected all four categories, got %v / %v", all, err)
	}

	got, err := ParseCategories([]string{" Payout", "payout", "approval"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != CategoryPayout || got[1] != CategoryApproval {
		t.Errorf("Expected deduplicated [payout approval], got %v", got)
	}

	if _, err := ParseCategories([]string{"refund"}); err == nil {
		t.Error("Expected error for unknown category")
	}
}

func TestStatusRules(t *testing.T) {
	testCases := []struct {
		status   Status
		terminal bool
	}{
		{StatusProcessing, false},
		{StatusPending, false},
		{StatusCompleted, true},
		{StatusActive, true},
		{StatusFailed, true},
	}
	for _, tc := range testCases {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("%s: expected terminal=%v, got %v", tc.status, tc.terminal, got)
		}
	}

	if SuccessStatus(CategoryApproval) != StatusActive {
		t.Error("Approval grants settle as active")
	}
	if SuccessStatus(CategoryApprovalTransfer) != StatusCompleted {
		t.Error("Approval transfers settle as completed")
	}
	if CategoryOf(KindWithdrawal) != CategoryTransfer || CategoryOf(KindPayout) != CategoryPayout {
		t.Error("Unexpected kind to category mapping")
	}
}
