package domain

// TipStatus is the lifecycle state of a tip.
type TipStatus string

const (
	StatusPendingReview TipStatus = "PENDING_REVIEW"
	StatusActive        TipStatus = "ACTIVE"
	StatusRejected      TipStatus = "REJECTED"
	StatusTarget1Hit    TipStatus = "TARGET_1_HIT"
	StatusTarget2Hit    TipStatus = "TARGET_2_HIT"
	StatusAllTargetsHit TipStatus = "ALL_TARGETS_HIT"
	StatusStopLossHit   TipStatus = "STOPLOSS_HIT"
	StatusExpired       TipStatus = "EXPIRED"
)

// String returns the string representation of TipStatus.
func (s TipStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s TipStatus) IsValid() bool {
	switch s {
	case StatusPendingReview, StatusActive, StatusRejected,
		StatusTarget1Hit, StatusTarget2Hit, StatusAllTargetsHit,
		StatusStopLossHit, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further status change is possible.
func (s TipStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusAllTargetsHit, StatusStopLossHit, StatusExpired:
		return true
	}
	return false
}

// IsEvaluable reports whether price checks apply to the status.
func (s TipStatus) IsEvaluable() bool {
	return s == StatusActive || s == StatusTarget1Hit || s == StatusTarget2Hit
}

// IsResolved reports whether the status counts toward scoring.
func (s TipStatus) IsResolved() bool {
	switch s {
	case StatusPendingReview, StatusActive, StatusRejected:
		return false
	}
	return s.IsValid()
}

// IsTargetHit reports whether the status records a reached target.
func (s TipStatus) IsTargetHit() bool {
	return s.TargetIndex() > 0
}

// TargetIndex returns the 1-based index of the highest target reached, 0 if none.
func (s TipStatus) TargetIndex() int {
	switch s {
	case StatusTarget1Hit:
		return 1
	case StatusTarget2Hit:
		return 2
	case StatusAllTargetsHit:
		return 3
	}
	return 0
}

// TargetStatus maps a 1-based target index to its status.
func TargetStatus(index int) TipStatus {
	switch index {
	case 1:
		return StatusTarget1Hit
	case 2:
		return StatusTarget2Hit
	case 3:
		return StatusAllTargetsHit
	}
	return StatusActive
}
