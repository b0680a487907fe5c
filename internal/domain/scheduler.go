package domain

import (
	"time"

	"github.com/google/uuid"
)

// SchedulerStep is one step of the external payout workflow.
type SchedulerStep string

const (
	StepStartProcess      SchedulerStep = "start-process"
	StepCreateChallenge   SchedulerStep = "create-challenge"
	StepAssignMember      SchedulerStep = "assign-member"
	StepActivateChallenge SchedulerStep = "activate-challenge"
	StepGetUserID         SchedulerStep = "get-userId"
	StepCloseChallenge    SchedulerStep = "close-challenge"
)

// SchedulerSteps is the fixed forward order of the payout workflow.
var SchedulerSteps = []SchedulerStep{
	StepStartProcess,
	StepCreateChallenge,
	StepAssignMember,
	StepActivateChallenge,
	StepGetUserID,
	StepCloseChallenge,
}

// Next returns the step after s, or false when s is the last step.
func (s SchedulerStep) Next() (SchedulerStep, bool) {
	for i, step := range SchedulerSteps {
		if step == s && i+1 < len(SchedulerSteps) {
			return SchedulerSteps[i+1], true
		}
	}
	return "", false
}

// StepStatus is the status of the current step of a scheduler record.
type StepStatus string

const (
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// PaymentSchedulerRecord maps to the `payment_schedulers` table. It records how far one
// payout attempt has progressed.
type PaymentSchedulerRecord struct {
	ID                  uuid.UUID      `json:"id"`
	WorkPeriodPaymentID uuid.UUID      `json:"workPeriodPaymentId"`
	ChallengeID         *uuid.UUID     `json:"challengeId,omitempty"`
	Step                SchedulerStep  `json:"step"`
	Status              StepStatus     `json:"status"`
	UserID              *int64         `json:"userId,omitempty"`
	UserHandle          string         `json:"userHandle"`
	StatusDetails       *StatusDetails `json:"statusDetails,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// IsTerminal reports whether the record can no longer make progress.
func (r PaymentSchedulerRecord) IsTerminal() bool {
	if r.Status == StepFailed {
		return true
	}
	return r.Step == StepCloseChallenge && r.Status == StepCompleted
}
