package domain

// Host represents the broadcaster of a live session.
// No transport or lifecycle logic here.
type Host struct {
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
