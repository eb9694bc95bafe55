package models

import (
	"math"
	"time"
)

// TotalsTolerance is the float tolerance used when cross-checking rupee
// amounts reported by the upstream payroll API.
const TotalsTolerance = 0.01

// PayoutSession marks a payout batch the upstream service is still
// processing. At most one may be open system-wide; its presence blocks
// any new payout initiation.
type PayoutSession struct {
	ID        int64     `json:"id,omitempty"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status,omitempty"`
}

// SessionEnvelope is the upstream GetInprocessPayments response.
type SessionEnvelope struct {
	Session *PayoutSession `json:"session"`
}

// EnrollPreview is the point-in-time projection shown to the operator
// before the weekly enroll commit. It is never persisted; staleness
// between preview and commit is tolerated by design.
type EnrollPreview struct {
	TotalPendingAmount float64   `json:"total_pending_amount"`
	TotalPendingUsers  int       `json:"total_pending_users"`
	FromDate           time.Time `json:"from_date"`
	ToDate             time.Time `json:"to_date"`
	AlreadyProcessed   bool      `json:"alreadyProcessed"`
}

// PayoutPeriod is the date range a rollout batch covers.
type PayoutPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RolloutSummary is the upstream get-full-payroll-preview summary block.
type RolloutSummary struct {
	TotalCount        int          `json:"total_count"`
	TotalAmount       float64      `json:"total_amount"`
	FirstReferralDate time.Time    `json:"first_referral_date"`
	PayoutPeriod      PayoutPeriod `json:"payout_period"`
}

// RolloutSummaryEnvelope wraps the summary on the wire.
type RolloutSummaryEnvelope struct {
	Summary *RolloutSummary `json:"summary"`
}

// BucketStats aggregates pending earnings for one verification bucket.
type BucketStats struct {
	UserCount   int     `json:"userCount"`
	TotalAmount float64 `json:"totalAmount"`
}

// EnrollRow is one payee in the enroll ledger, keyed by guide code.
type EnrollRow struct {
	GuideCode                 string  `json:"guide_code"`
	Email                     string  `json:"email"`
	Phone                     string  `json:"phone,omitempty"`
	FullName                  string  `json:"full_name"`
	AccountType               string  `json:"account_type"`
	BankName                  string  `json:"bank_name"`
	AccountNumber             string  `json:"account_number"`
	IFSCCode                  string  `json:"ifsc_code"`
	AccountVerificationStatus string  `json:"account_verification_status"`
	TotalEarningAmount        float64 `json:"total_earning_amount"`
}

// EnrollLedgerPage is the upstream GetreferralAmount response.
type EnrollLedgerPage struct {
	Data               []EnrollRow `json:"data"`
	TotalUsers         int         `json:"totalUsers"`
	TotalPendingAmount float64     `json:"totalPendingAmount"`
	Verified           BucketStats `json:"verified"`
	Unverified         BucketStats `json:"unverified"`
}

// Consistent reports whether the verified and unverified buckets add up
// to the grand total within TotalsTolerance. Every preview response must
// satisfy this before it is shown to an operator.
func (p *EnrollLedgerPage) Consistent() bool {
	sum := p.Verified.TotalAmount + p.Unverified.TotalAmount
	return math.Abs(sum-p.TotalPendingAmount) <= TotalsTolerance
}

// Rollout payout_status values reported per ledger row.
const (
	PayoutStatusNone      = "no_payout_requested"
	PayoutStatusRequested = "requested"
)

// RolloutRow is one payee in the rollout ledger.
type RolloutRow struct {
	ID                 string   `json:"id"`
	ContactID          string   `json:"contact_id"`
	GuideCode          string   `json:"guide_code"`
	AccountType        string   `json:"account_type"`
	AccountHolderName  string   `json:"account_holder_name"`
	AccountNumber      string   `json:"account_number"`
	IFSCCode           string   `json:"ifsc_code"`
	BankName           string   `json:"bank_name"`
	IsEmailVerified    bool     `json:"is_email_verified"`
	Active             bool     `json:"active"`
	TotalPendingAmount string   `json:"total_pending_amount"`
	PendingOrderIDs    []string `json:"pending_order_ids,omitempty"`
	PayoutStatus       string   `json:"payout_status"`
}

// Pagination carries the server-side total for paging controls.
type Pagination struct {
	Total int `json:"total"`
}

// RolloutLedgerPage is the upstream getuserpayrolllist response.
type RolloutLedgerPage struct {
	Success    bool         `json:"success"`
	Data       []RolloutRow `json:"data"`
	Pagination Pagination   `json:"pagination"`
	Error      string       `json:"error,omitempty"`
}

// RolloutStats is the upstream Get_Rollout_list aggregate card payload.
type RolloutStats struct {
	TotalProcessableAmount float64 `json:"total_processable_amount"`
	TotalPendingUsers      int     `json:"total_pending_users"`
	TotalPendingAmount     float64 `json:"total_pending_amount"`
	UnverifiedUserCount    int     `json:"unverified_user_count"`
	TotalUnverifiedAmount  float64 `json:"total_unverified_amount"`
}

// Ack is the generic upstream mutation response. Success=false carries a
// server-side rejection (bad OTP, payout refused) as opposed to a
// transport failure.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LedgerQuery addresses one server-side page of a searchable ledger.
type LedgerQuery struct {
	Page   int
	Limit  int
	Search string
}

// Normalize clamps a query to sane defaults.
func (q LedgerQuery) Normalize() LedgerQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 10
	}
	return q
}
