package takehome

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TakehomeOrder grants a patient unsupervised doses for a span of days.
// MaxTakehome records the day cap that applied at creation time; listings
// derive the risk bucket from it.
type TakehomeOrder struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	Days        int        `db:"days" json:"days"`
	StartDate   time.Time  `db:"start_date" json:"start_date"`
	EndDate     time.Time  `db:"end_date" json:"end_date"`
	Prescriber  string     `db:"prescriber" json:"prescriber"`
	RiskLevel   string     `db:"risk_level" json:"risk_level"`
	MaxTakehome int        `db:"max_takehome" json:"max_takehome"`
	Status      string     `db:"status" json:"status"`
	ReviewedBy  *string    `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderView is a listing row: the order plus the patient display name and
// the derived risk bucket.
type OrderView struct {
	TakehomeOrder
	PatientName string `json:"patient_name"`
	RiskBucket  string `json:"risk_bucket"`
}

// ComplianceHold blocks take-home eligibility while open.
type ComplianceHold struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	Reason    string     `db:"reason" json:"reason"`
	Status    string     `db:"status" json:"status"`
	OpenedBy  string     `db:"opened_by" json:"opened_by"`
	ClosedAt  *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// RiskRule is one stored rule value. Tier "all" applies to every tier
// unless a tier-specific row overrides it.
type RiskRule struct {
	ID    uuid.UUID `db:"id" json:"id"`
	Tier  string    `db:"tier" json:"tier"`
	Name  string    `db:"name" json:"name"`
	Value string    `db:"value" json:"value"`
}

const (
	RuleMaxConsecutiveDays  = "max_consecutive_days"
	RulePositiveUDSAutoHold = "positive_uds_auto_hold"
)

// RiskRules is the typed rule set the eligibility check runs against.
type RiskRules struct {
	MaxConsecutiveDays  int
	PositiveUDSAutoHold bool
}

// defaultMaxDays returns the built-in day cap for a tier.
func defaultMaxDays(tier string) int {
	switch tier {
	case "high":
		return 3
	case "low":
		return 14
	default:
		return 7
	}
}

// ResolveRules folds stored rule rows into a typed rule set. Tier-specific
// rows override "all" rows; malformed values fall back to the defaults.
func ResolveRules(tier string, rows []*RiskRule) RiskRules {
	rules := RiskRules{
		MaxConsecutiveDays:  defaultMaxDays(tier),
		PositiveUDSAutoHold: true,
	}

	byName := make(map[string]string)
	for _, r := range rows {
		if r.Tier == "all" {
			byName[r.Name] = r.Value
		}
	}
	for _, r := range rows {
		if r.Tier == tier {
			byName[r.Name] = r.Value
		}
	}

	if raw, ok := byName[RuleMaxConsecutiveDays]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			rules.MaxConsecutiveDays = n
		}
	}
	if raw, ok := byName[RulePositiveUDSAutoHold]; ok {
		if b, err := strconv.ParseBool(raw); err == nil {
			rules.PositiveUDSAutoHold = b
		}
	}
	return rules
}

// RiskBucket derives the display bucket from the applied day cap.
func RiskBucket(maxTakehome int) string {
	switch {
	case maxTakehome > 7:
		return "low"
	case maxTakehome > 3:
		return "standard"
	default:
		return "high"
	}
}
