package model

import "time"

// Unlimited is the MonthlyLimit sentinel for plans without a usage ceiling.
const Unlimited int64 = -1

// DefaultMaxAPIKeys is the active-key ceiling when a plan does not set one.
const DefaultMaxAPIKeys = 3

// Plan describes the static allowances attached to a plan tier.
type Plan struct {
	Tier              string `json:"tier" yaml:"tier"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
	MonthlyLimit      int64  `json:"monthly_limit" yaml:"monthly_limit"`
	OverageAllowed    bool   `json:"overage_allowed" yaml:"overage_allowed"`
	MaxAPIKeys        int    `json:"max_api_keys" yaml:"max_api_keys"`
}

// Plan tiers, ordered from most to least restrictive.
const (
	TierFree       = "free"
	TierStarter    = "starter"
	TierPro        = "pro"
	TierBusiness   = "business"
	TierEnterprise = "enterprise"
)

// Plans is the built-in tier table.
var Plans = map[string]Plan{
	TierFree:       {Tier: TierFree, RequestsPerMinute: 10, MonthlyLimit: 100, MaxAPIKeys: DefaultMaxAPIKeys},
	TierStarter:    {Tier: TierStarter, RequestsPerMinute: 30, MonthlyLimit: 1000, MaxAPIKeys: DefaultMaxAPIKeys},
	TierPro:        {Tier: TierPro, RequestsPerMinute: 60, MonthlyLimit: 10000, MaxAPIKeys: DefaultMaxAPIKeys},
	TierBusiness:   {Tier: TierBusiness, RequestsPerMinute: 90, MonthlyLimit: 50000, OverageAllowed: true, MaxAPIKeys: DefaultMaxAPIKeys},
	TierEnterprise: {Tier: TierEnterprise, RequestsPerMinute: 120, MonthlyLimit: Unlimited, MaxAPIKeys: DefaultMaxAPIKeys},
}

// PlanFor returns the plan for tier, falling back to the most restrictive
// tier when the name is unknown.
func PlanFor(tier string) Plan {
	if p, ok := Plans[tier]; ok {
		return p
	}
	return Plans[TierFree]
}

// QuotaWindow is a billing-period-scoped usage counter for one owner. Usage is
// only ever changed by the store's atomic increment and rollover statements.
type QuotaWindow struct {
	OwnerID        string    `json:"owner_id" db:"owner_id"`
	PlanTier       string    `json:"plan_tier" db:"plan_tier"`
	MonthlyLimit   int64     `json:"monthly_limit" db:"monthly_limit"`
	Used           int64     `json:"used" db:"used"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time `json:"period_end" db:"period_end"`
	OverageAllowed bool      `json:"overage_allowed" db:"overage_allowed"`
	APIAccess      bool      `json:"api_access" db:"api_access"`
	MaxAPIKeys     int       `json:"max_api_keys" db:"max_api_keys"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// IsUnlimited reports whether the window has no monthly ceiling.
func (q *QuotaWindow) IsUnlimited() bool {
	return q.MonthlyLimit == Unlimited
}

// HasCapacity reports whether another request fits into the window.
func (q *QuotaWindow) HasCapacity() bool {
	return q.IsUnlimited() || q.OverageAllowed || q.Used < q.MonthlyLimit
}

// Remaining returns the number of requests left in the period, or -1 when
// the window is unlimited. Overage windows can report zero while still
// admitting requests.
func (q *QuotaWindow) Remaining() int64 {
	if q.IsUnlimited() {
		return Unlimited
	}
	if q.Used >= q.MonthlyLimit {
		return 0
	}
	return q.MonthlyLimit - q.Used
}

// Overage returns how far usage has gone past the monthly limit.
func (q *QuotaWindow) Overage() int64 {
	if q.IsUnlimited() || q.Used <= q.MonthlyLimit {
		return 0
	}
	return q.Used - q.MonthlyLimit
}

// KeyCeiling returns the plan-derived maximum number of active keys.
func (q *QuotaWindow) KeyCeiling() int {
	if q.MaxAPIKeys > 0 {
		return q.MaxAPIKeys
	}
	return DefaultMaxAPIKeys
}

// MonthBounds returns the UTC calendar month containing t as [start, end).
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
