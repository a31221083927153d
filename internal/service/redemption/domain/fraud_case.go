// internal/service/redemption/domain/fraud_case.go
package domain

import "time"

type FraudCaseStatus string

const (
	FraudStatusPending       FraudCaseStatus = "PENDING"
	FraudStatusApproved      FraudCaseStatus = "APPROVED"
	FraudStatusRejected      FraudCaseStatus = "REJECTED"
	FraudStatusFalsePositive FraudCaseStatus = "FALSE_POSITIVE"
)

// IsReviewOutcome 只有三个终态可以作为审核结论。
func (s FraudCaseStatus) IsReviewOutcome() bool {
	switch s {
	case FraudStatusApproved, FraudStatusRejected, FraudStatusFalsePositive:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// 内置欺诈信号名称。
const (
	FlagVelocity         = "HIGH_VELOCITY"
	FlagImpossibleTravel = "IMPOSSIBLE_TRAVEL"
	FlagKnownBadDevice   = "KNOWN_BAD_DEVICE"
	FlagDeviceReuse      = "DEVICE_SHARED_ACROSS_CUSTOMERS"
	FlagProviderBurst    = "PROVIDER_BURST"
)

// FraudFlag 是一条命中的欺诈信号。
type FraudFlag struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Weight   int      `json:"weight"`
	Detail   string   `json:"detail,omitempty"`
}

// FraudAssessment 是欺诈引擎对一次兑换的评分结果。
type FraudAssessment struct {
	RiskScore      int         `json:"riskScore"`
	Flags          []FraudFlag `json:"flags"`
	RequiresReview bool        `json:"requiresReview"`
}

func (a FraudAssessment) Flagged() bool {
	return len(a.Flags) > 0
}

func (a FraudAssessment) FlagNames() []string {
	names := make([]string, 0, len(a.Flags))
	for _, f := range a.Flags {
		names = append(names, f.Name)
	}
	return names
}

// FraudAction 是审核过程中采取的处置动作，带操作人与时间。
type FraudAction struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
	Notes  string    `json:"notes,omitempty"`
}

// FraudCase 是待人工审核的欺诈案件。
type FraudCase struct {
	ID                string
	CaseNumber        string
	RedemptionID      string
	VoucherID         string
	CustomerID        string
	ProviderID        string
	RiskScore         int
	Flags             []FraudFlag
	Status            FraudCaseStatus
	ReviewedBy        string
	ReviewedAt        *time.Time
	ReviewNotes       string
	ActionsTaken      []FraudAction
	DetectionMetadata map[string]interface{}
	CreatedAt         time.Time
}

// Review 把案件从 PENDING 推进到终态，并为每个动作打上审核人和时间戳。
func (c *FraudCase) Review(reviewer string, status FraudCaseStatus, notes string, actions []string, at time.Time) error {
	if !status.IsReviewOutcome() {
		return NewError(CodeInvalidInput, "status must be APPROVED, REJECTED or FALSE_POSITIVE")
	}
	if c.Status != FraudStatusPending {
		return ErrNotPending
	}
	c.Status = status
	c.ReviewedBy = reviewer
	c.ReviewedAt = &at
	c.ReviewNotes = notes
	for _, a := range actions {
		c.ActionsTaken = append(c.ActionsTaken, FraudAction{Action: a, Actor: reviewer, At: at, Notes: notes})
	}
	return nil
}

// FraudCaseHistory 是案件每次变更时追加的历史记录。
type FraudCaseHistory struct {
	ID         string
	CaseID     string
	Actor      string
	Action     string
	FromStatus FraudCaseStatus
	ToStatus   FraudCaseStatus
	Notes      string
	CreatedAt  time.Time
}

// FraudCheckInput 是欺诈评分所需的上下文。
type FraudCheckInput struct {
	RedemptionID string
	VoucherID    string
	CustomerID   string
	ProviderID   string
	Location     *Location
	Timestamp    time.Time
	DeviceID     string
	Offline      bool
}
