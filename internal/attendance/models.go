package attendance

import "time"

// State is the lifecycle position of a credential.
type State string

const (
	StateValid   State = "valid"
	StateUsed    State = "used"
	StateExpired State = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateUsed || s == StateExpired
}

// Attendance statuses recorded on a successful redemption.
const (
	StatusPresent = "present"
	StatusLate    = "late"
)

// Session is one class meeting that requires attendance.
type Session struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"course_id"`
	CreatedBy   string    `json:"created_by"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// OpenAt reports whether the session accepts attendance at t.
func (s Session) OpenAt(t time.Time) bool {
	if !s.Active {
		return false
	}
	return !t.Before(s.WindowStart) && !t.After(s.WindowEnd)
}

// Credential is a single-use attendance token bound to one student.
type Credential struct {
	Token     string     `json:"token"`
	SessionID string     `json:"session_id"`
	CourseID  string     `json:"course_id"`
	StudentID string     `json:"student_id"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	LateAfter time.Time  `json:"late_after,omitempty"`
	State     State      `json:"state"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// ExpiredAt reports whether the credential can no longer be redeemed at t.
// A redemption exactly at ExpiresAt is still accepted.
func (c Credential) ExpiredAt(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// Record is the immutable attendance fact produced by a redemption.
type Record struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	CourseID        string    `json:"course_id"`
	StudentID       string    `json:"student_id"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	CredentialToken string    `json:"credential_token"`
	Location        string    `json:"location,omitempty"`
}

// Delivery is what the notifier needs to hand a credential to its holder.
type Delivery struct {
	StudentID string    `json:"student_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	SessionID string    `json:"session_id"`
	CourseID  string    `json:"course_id"`
}
