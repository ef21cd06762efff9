package protocol

import "time"

// User is an origin-platform customer known to the bridge.
type User struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform"`
	PlatformID  string    `json:"platform_id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name"`
	Banned      bool      `json:"banned,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Category groups tickets and carries the staff-side wiring for new
// channels: the role to notify, the parent teams, and the intake
// questions summarized into a new channel's opening post.
type Category struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	RoleID           string   `json:"role_id,omitempty"`
	TeamID           string   `json:"team_id,omitempty"`
	TranscriptTeamID string   `json:"transcript_team_id,omitempty"`
	Questions        []string `json:"questions,omitempty"`
}
