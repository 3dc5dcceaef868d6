/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are rendered as strings fixed at the configured currency scale
  ("50.00"), never as JSON numbers. Request amounts accept either form.

TYPES:
  Users:        UserDTO, ProfileDTO, RegisterRequest, LoginRequest, AuthResponse
  Tree:         TreeDTO, ReferralDTO
  Earnings:     EarningsDTO
  Transactions: TransactionDTO, PurchaseRequest, PurchaseResponse, HistoryResponse
  Admin:        AuditDTO, ReconcileDTO

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// USERS
// =============================================================================

// ProfileDTO is what one user may see about another.
type ProfileDTO struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	ReferralCode string `json:"referralCode"`
}

type UserDTO struct {
	ProfileDTO
	ReferredBy     string    `json:"referredBy,omitempty"`
	TotalEarnings  string    `json:"totalEarnings"`
	Level1Earnings string    `json:"level1Earnings"`
	Level2Earnings string    `json:"level2Earnings"`
	CreatedAt      time.Time `json:"createdAt"`
}

type RegisterRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	ReferralCode string `json:"referralCode,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Message   string    `json:"message"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      UserDTO   `json:"user"`
}

// =============================================================================
// REFERRAL TREE
// =============================================================================

type ReferralDTO struct {
	ProfileDTO
	TotalEarnings string `json:"totalEarnings"`
}

type TreeDTO struct {
	User            UserDTO       `json:"user"`
	ReferredBy      *ProfileDTO   `json:"referredBy"`
	DirectReferrals []ReferralDTO `json:"directReferrals"`
	Slots           int           `json:"slotsRemaining"`
}

// =============================================================================
// EARNINGS
// =============================================================================

type EarningsDTO struct {
	Level1Earnings string           `json:"level1Earnings"`
	Level2Earnings string           `json:"level2Earnings"`
	TotalEarnings  string           `json:"totalEarnings"`
	Earnings       []TransactionDTO `json:"earnings"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	Amount         string      `json:"amount"`
	Status         string      `json:"status"`
	ReferralLevel  int         `json:"referralLevel,omitempty"`
	PurchaseID     string      `json:"purchaseId,omitempty"`
	SourceUserID   string      `json:"sourceUserId,omitempty"`
	Source         *ProfileDTO `json:"source,omitempty"`
	Description    string      `json:"description,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	FailureReason  string      `json:"failureReason,omitempty"`
	Attempts       int         `json:"attempts,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

type PurchaseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

type PurchaseResponse struct {
	Message     string         `json:"message"`
	Transaction TransactionDTO `json:"transaction"`

	// Outstanding lists commission levels still to be credited when the
	// purchase was accepted with commission pending.
	Outstanding []int `json:"outstandingLevels,omitempty"`
}

type HistoryResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AuditDTO struct {
	UserID         string   `json:"userId"`
	Consistent     bool     `json:"consistent"`
	Level1Earnings string   `json:"level1Earnings"`
	Level2Earnings string   `json:"level2Earnings"`
	TotalEarnings  string   `json:"totalEarnings"`
	LedgerLevel1   string   `json:"ledgerLevel1"`
	LedgerLevel2   string   `json:"ledgerLevel2"`
	LedgerTotal    string   `json:"ledgerTotal"`
	Violations     []string `json:"violations"`
}

type ReconcileDTO struct {
	Scanned   int `json:"scanned"`
	Resumed   int `json:"resumed"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func money(d decimal.Decimal, scale int32) string {
	return d.StringFixed(scale)
}

func toProfileDTO(p referral.PublicProfile) ProfileDTO {
	return ProfileDTO{
		ID:           string(p.ID),
		Username:     p.Username,
		Email:        p.Email,
		ReferralCode: p.ReferralCode,
	}
}

func toUserDTO(u referral.User, scale int32) UserDTO {
	return UserDTO{
		ProfileDTO:     toProfileDTO(u.Public()),
		ReferredBy:     string(u.ReferredBy),
		TotalEarnings:  money(u.TotalEarnings, scale),
		Level1Earnings: money(u.Level1Earnings, scale),
		Level2Earnings: money(u.Level2Earnings, scale),
		CreatedAt:      u.CreatedAt,
	}
}

func toTransactionDTO(e referral.Entry, source *referral.PublicProfile, scale int32) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(e.ID),
		Type:           string(e.Kind),
		Amount:         money(e.Amount, scale),
		Status:         string(e.Status),
		ReferralLevel:  int(e.Level),
		PurchaseID:     string(e.PurchaseID),
		SourceUserID:   string(e.SourceUserID),
		Description:    e.Description,
		IdempotencyKey: e.IdempotencyKey,
		FailureReason:  e.FailureReason,
		Attempts:       e.Attempts,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if source != nil {
		p := toProfileDTO(*source)
		dto.Source = &p
	}
	return dto
}

func toTreeDTO(v referral.TreeView, maxDirect int, scale int32) TreeDTO {
	dto := TreeDTO{
		User:            toUserDTO(v.User, scale),
		DirectReferrals: make([]ReferralDTO, 0, len(v.DirectReferrals)),
		Slots:           max(maxDirect-len(v.User.DirectReferrals), 0),
	}
	if v.ReferredBy != nil {
		p := toProfileDTO(*v.ReferredBy)
		dto.ReferredBy = &p
	}
	for _, r := range v.DirectReferrals {
		dto.DirectReferrals = append(dto.DirectReferrals, ReferralDTO{
			ProfileDTO:    toProfileDTO(r.PublicProfile),
			TotalEarnings: money(r.TotalEarnings, scale),
		})
	}
	return dto
}

func toEarningsDTO(r referral.EarningsReport, scale int32) EarningsDTO {
	dto := EarningsDTO{
		Level1Earnings: money(r.Level1Earnings, scale),
		Level2Earnings: money(r.Level2Earnings, scale),
		TotalEarnings:  money(r.TotalEarnings, scale),
		Earnings:       make([]TransactionDTO, 0, len(r.Earnings)),
	}
	for _, d := range r.Earnings {
		t := TransactionDTO{
			ID:            string(d.ID),
			Type:          string(referral.KindEarning),
			Amount:        money(d.Amount, scale),
			Status:        string(referral.StatusCompleted),
			ReferralLevel: int(d.Level),
			PurchaseID:    string(d.PurchaseID),
			Description:   d.Description,
			CreatedAt:     d.CreatedAt,
			UpdatedAt:     d.CreatedAt,
		}
		if d.Source != nil {
			p := toProfileDTO(*d.Source)
			t.Source = &p
			t.SourceUserID = p.ID
		}
		dto.Earnings = append(dto.Earnings, t)
	}
	return dto
}

func toAuditDTO(r referral.AuditReport, scale int32) AuditDTO {
	v := r.Violations
	if v == nil {
		v = []string{}
	}
	return AuditDTO{
		UserID:         string(r.UserID),
		Consistent:     r.Consistent(),
		Level1Earnings: money(r.Level1Earnings, scale),
		Level2Earnings: money(r.Level2Earnings, scale),
		TotalEarnings:  money(r.TotalEarnings, scale),
		LedgerLevel1:   money(r.LedgerLevel1, scale),
		LedgerLevel2:   money(r.LedgerLevel2, scale),
		LedgerTotal:    money(r.LedgerTotal, scale),
		Violations:     v,
	}
}
