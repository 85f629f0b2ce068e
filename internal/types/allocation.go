/*

This file contains the transient allocation and rebalance types produced by the
scorer and consumed by the execution waterfall. None of these are persisted as
live state; outcomes are snapshotted to the database after execution.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// AllocationTarget is one entry of a freshly computed target vector. Produced
// on every scoring call and never persisted.
type AllocationTarget struct {
	Backend      BackendID   `json:"backend"`
	TargetBps    int64       `json:"target_bps"` // 0..10000
	TargetAmount sdkmath.Int `json:"target_amount"`
	ObservedAPY  int64       `json:"observed_apy_bps"` // APY component used for this backend's score
}

// RebalanceRequest is created by the decision engine and consumed exactly once
// by the execution waterfall. A request whose deadline has passed is rejected.
type RebalanceRequest struct {
	ID             string             `json:"id"`
	Asset          string             `json:"asset"`
	Targets        []AllocationTarget `json:"targets"`
	MaxSlippageBps int64              `json:"max_slippage_bps"`
	Deadline       time.Time          `json:"deadline"`
	ImprovementBps int64              `json:"improvement_bps"` // projected weighted-APY gain
}

// RebalanceOutcome reports what a rebalance execution actually moved. Failures
// are reported here for operator-level retry; the engine never retries on its
// own.
type RebalanceOutcome struct {
	RequestID      string               `json:"request_id"`
	Asset          string               `json:"asset"`
	PollNumber     int64                `json:"poll_number,omitempty"`
	ImprovementBps int64                `json:"improvement_bps"`
	Targets        []AllocationTarget   `json:"targets"`
	Gained         map[BackendID]string `json:"gained"` // backend -> amount gained, decimal string
	Lost           map[BackendID]string `json:"lost"`   // backend -> amount lost, decimal string
	Success        bool                 `json:"success"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// Decision is the result of a single should-rebalance evaluation. Evaluating
// twice with unchanged inputs yields the same Decision.
type Decision struct {
	ShouldRebalance bool   `json:"should_rebalance"`
	ImprovementBps  int64  `json:"improvement_bps"`
	CurrentAPYBps   int64  `json:"current_apy_bps"`
	OptimalAPYBps   int64  `json:"optimal_apy_bps"`
	Reason          string `json:"reason,omitempty"` // populated when ShouldRebalance is false
}
