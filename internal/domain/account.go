/**
 * @description
 * This file defines the account directory models for the compensation-service.
 * Accounts form the referral pointer graph: each account holds at most one weak
 * reference to its upline (sponsor). Downward traversal is out of scope for this
 * service; the credit-posting paths only ever walk upward.
 *
 * @notes
 * - LEADER and INVESTOR are mutually exclusive program tracks. LEADER accounts
 *   never grant or receive referral income at any level.
 * - Monetary amounts throughout the service are `int64` in the smallest currency
 *   unit, which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProgramType distinguishes the two mutually exclusive account tracks.
type ProgramType string

const (
	ProgramInvestor ProgramType = "INVESTOR"
	ProgramLeader   ProgramType = "LEADER"
)

// AccountStatus enumerates the lifecycle states of an account.
type AccountStatus string

const (
	StatusActiveInvestor    AccountStatus = "ACTIVE_INVESTOR"
	StatusActiveLeader      AccountStatus = "ACTIVE_LEADER"
	StatusPendingActivation AccountStatus = "PENDING_ACTIVATION"
	StatusAutoBlocked       AccountStatus = "AUTO_BLOCKED"
	StatusBlocked           AccountStatus = "BLOCKED"
)

// Account represents one node in the referral graph. This struct maps directly
// to the `accounts` table.
type Account struct {
	ID                  uuid.UUID     `json:"id"`
	ProgramType         ProgramType   `json:"program_type"`
	Status              AccountStatus `json:"status"`
	UplineID            *uuid.UUID    `json:"upline_id,omitempty"`
	DirectReferralCount int           `json:"direct_referral_count"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// IsLeader reports whether the account belongs to the leader program track.
func (a *Account) IsLeader() bool {
	return a.ProgramType == ProgramLeader
}

// StatusIn reports whether the account's status is one of the given statuses.
func (a *Account) StatusIn(statuses []AccountStatus) bool {
	for _, s := range statuses {
		if a.Status == s {
			return true
		}
	}
	return false
}
