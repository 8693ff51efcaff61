package models

import "time"

// Participant approval states.
const (
	ParticipantPending  = "pending"
	ParticipantApproved = "approved"
	ParticipantRejected = "rejected"
)

// Participant records a rider's request to join a session and its outcome.
type Participant struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key (UUID).

	SessionID      string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_participants_session_user,priority:1"` // Session ID.
	UserID         string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_participants_session_user,priority:2"` // Rider user ID.
	State          string     `gorm:"column:approval_state;type:varchar(16);not null;index"`                         // pending, approved or rejected.
	RequestedAt    time.Time  `gorm:"not null"`                                                                      // First request timestamp.
	ApprovedAt     *time.Time                                                                                       // Approval timestamp.
	ApprovedBy     *string    `gorm:"type:varchar(64)"`                                                              // Approver user ID.
	RejectedAt     *time.Time                                                                                       // Rejection timestamp.
	RejectedBy     *string    `gorm:"type:varchar(64)"`                                                              // Rejecting user ID.
	TrackingActive bool       `gorm:"not null;default:true"`                                                         // Whether the rider currently shares location.
}

// IsApproved reports whether the participant may broadcast positions.
func (p *Participant) IsApproved() bool {
	return p != nil && p.State == ParticipantApproved
}
