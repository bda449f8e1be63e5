// Package ledger models off-chain records of on-chain transactions that are
// waiting for confirmation.
package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Category groups entries reconciled together.
type Category string

const (
	CategoryTransfer         Category = "transfer" // deposits and withdrawals
	CategoryApproval         Category = "approval"
	CategoryPayout           Category = "payout"
	CategoryApprovalTransfer Category = "approval_transfer"
)

// AllCategories lists every category in sweep order.
func AllCategories() []Category {
	return []Category{CategoryTransfer, CategoryApproval, CategoryPayout, CategoryApprovalTransfer}
}

// ParseCategories maps names to categories. An empty list means all of them.
func ParseCategories(names []string) ([]Category, error) {
	if len(names) == 0 {
		return AllCategories(), nil
	}
	seen := make(map[Category]bool, len(names))
	out := make([]Category, 0, len(names))
	for _, name := range names {
		c := Category(strings.ToLower(strings.TrimSpace(name)))
		switch c {
		case CategoryTransfer, CategoryApproval, CategoryPayout, CategoryApprovalTransfer:
		default:
			return nil, fmt.Errorf("unknown ledger category %q", name)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// Kind is the business meaning of an entry.
type Kind string

const (
	KindDeposit          Kind = "deposit"
	KindWithdrawal       Kind = "withdrawal"
	KindApproval         Kind = "approval"
	KindPayout           Kind = "payout"
	KindApprovalTransfer Kind = "approval_transfer"
)

// CategoryOf returns the reconciliation category for a kind.
func CategoryOf(k Kind) Category {
	switch k {
	case KindApproval:
		return CategoryApproval
	case KindPayout:
		return CategoryPayout
	case KindApprovalTransfer:
		return CategoryApprovalTransfer
	default:
		return CategoryTransfer
	}
}

// Status of an entry. Completed, active and failed are terminal.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusActive     Status = "active" // approval grant confirmed on chain
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further reconciliation applies.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusActive || s == StatusFailed
}

// NonTerminalStatuses is used by stores to select pending work.
func NonTerminalStatuses() []Status {
	return []Status{StatusProcessing, StatusPending}
}

// SuccessStatus is the terminal status a confirmed transaction moves to.
func SuccessStatus(c Category) Status {
	if c == CategoryApproval {
		return StatusActive
	}
	return StatusCompleted
}

// Entry is one ledger row.
type Entry struct {
	ID            string    `json:"id"`
	Category      Category  `json:"category"`
	Kind          Kind      `json:"kind"`
	SubscriberID  string    `json:"subscriber_id"`
	TxHash        *string   `json:"tx_hash,omitempty"`
	Status        Status    `json:"status"`
	Confirmations uint64    `json:"confirmations"`
	BlockNumber   uint64    `json:"block_number"`
	Active        bool      `json:"active"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Anomaly       string    `json:"anomaly,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Hash returns the stored hash or "" when none is set.
func (e Entry) Hash() string {
	if e.TxHash == nil {
		return ""
	}
	return *e.TxHash
}

// PendingFilter narrows FindPending.
type PendingFilter struct {
	SubscriberID string
	Limit        int
}

// Transition is a terminal update. Stores apply it only while the entry is
// still non-terminal, which makes repeated application a no-op.
type Transition struct {
	Status        Status
	TxHash        string
	Confirmations uint64
	BlockNumber   uint64
	Active        *bool
	FailureReason string
}

// Observation updates a still-pending entry without settling it.
type Observation struct {
	Confirmations uint64
	BlockNumber   uint64
	Anomaly       string
}
