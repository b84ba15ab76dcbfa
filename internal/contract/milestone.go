package contract

import (
	"fmt"
	"time"

	"github.com/smartjects/platform/internal/money"
)

// MilestoneStatus represents the state of one payment milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"     // waiting for earlier milestones
	MilestoneInProgress MilestoneStatus = "in_progress" // provider working
	MilestoneSubmitted  MilestoneStatus = "submitted"   // awaiting needer review
	MilestoneCompleted  MilestoneStatus = "completed"   // approved, terminal
)

// CanTransition reports whether s → to is a legal milestone edge. The only
// backward edge is submitted → in_progress, which models a rejected review.
func (s MilestoneStatus) CanTransition(to MilestoneStatus) bool {
	switch s {
	case MilestonePending:
		return to == MilestoneInProgress
	case MilestoneInProgress:
		return to == MilestoneSubmitted
	case MilestoneSubmitted:
		return to == MilestoneCompleted || to == MilestoneInProgress
	}
	return false
}

// Milestone is one ordered slice of the contract budget.
type Milestone struct {
	ID          string `json:"id"`
	ContractID  string `json:"contractId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Percentage of the contract budget, 1-100. Amounts are derived from
	// the budget at creation; the final milestone absorbs rounding.
	Percentage int          `json:"percentage"`
	Amount     money.Amount `json:"amount"`
	OrderIndex int          `json:"orderIndex"`

	Status         MilestoneStatus `json:"status"`
	SubmissionNote string          `json:"submissionNote,omitempty"`
	ReviewComment  string          `json:"reviewComment,omitempty"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
	ReviewedAt     *time.Time      `json:"reviewedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`

	Deliverables []*Deliverable `json:"deliverables,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Deliverable is a named unit of work gating milestone submission.
type Deliverable struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// DeliverablesComplete returns true when every deliverable is done. A
// milestone without deliverables is always submittable.
func (m *Milestone) DeliverablesComplete() bool {
	for _, d := range m.Deliverables {
		if !d.Completed {
			return false
		}
	}
	return true
}

// DeliverableByID finds a deliverable on the milestone, or nil.
func (m *Milestone) DeliverableByID(id string) *Deliverable {
	for _, d := range m.Deliverables {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// validateMilestonePlan checks a milestone set against the contract budget:
// percentages must each be 1-100 and sum to exactly 100. An empty plan is
// valid (the contract completes through final review alone).
func validateMilestonePlan(milestones []*Milestone) error {
	if len(milestones) == 0 {
		return nil
	}
	sum := 0
	for i, m := range milestones {
		if m.Name == "" {
			return fmt.Errorf("milestone %d: name required", i+1)
		}
		if m.Percentage < 1 || m.Percentage > 100 {
			return fmt.Errorf("milestone %d: percentage must be 1-100, got %d", i+1, m.Percentage)
		}
		sum += m.Percentage
	}
	if sum != 100 {
		return fmt.Errorf("milestone percentages must sum to 100, got %d", sum)
	}
	return nil
}

// applyMilestoneAmounts derives each milestone's amount from the budget.
// Truncation remainders land on the last milestone so the sum is exact.
func applyMilestoneAmounts(budget money.Amount, milestones []*Milestone) {
	if len(milestones) == 0 {
		return
	}
	allocated := money.Zero()
	for i, m := range milestones {
		if i == len(milestones)-1 {
			m.Amount = budget.Sub(allocated)
			return
		}
		m.Amount = budget.Percent(m.Percentage)
		allocated = allocated.Add(m.Amount)
	}
}

// completedMilestones counts terminal milestones.
func completedMilestones(milestones []*Milestone) int {
	n := 0
	for _, m := range milestones {
		if m.Status == MilestoneCompleted {
			n++
		}
	}
	return n
}

// allMilestonesCompleted reports whether the whole plan is done.
func allMilestonesCompleted(milestones []*Milestone) bool {
	return completedMilestones(milestones) == len(milestones)
}

// nextPendingMilestone returns the lowest-ordered pending milestone, or nil.
func nextPendingMilestone(milestones []*Milestone) *Milestone {
	var next *Milestone
	for _, m := range milestones {
		if m.Status != MilestonePending {
			continue
		}
		if next == nil || m.OrderIndex < next.OrderIndex {
			next = m
		}
	}
	return next
}
