package protocol

// HealthStatus is the bridge's operational snapshot served at
// /api/health and polled by monitoring.
type HealthStatus struct {
	Origin        bool   `json:"origin"`
	Staff         bool   `json:"staff"`
	OriginState   string `json:"origin_state"`
	StaffState    string `json:"staff_state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Disabled      bool   `json:"disabled,omitempty"`
}

// Outcome is the typed result of a forward call. Per-message failures
// never surface as errors; the caller always learns what happened.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeQueued        Outcome = "queued"
	OutcomeDuplicate     Outcome = "duplicate_message"
	OutcomeTicketClosed  Outcome = "ticket_closed"
	OutcomeTicketPending Outcome = "ticket_pending"
)
