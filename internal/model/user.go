package model

import "time"

type RegisteredUser struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Alias       *string   `json:"alias,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PickupName is the name a user claims orders under: alias first, then display name.
func (u RegisteredUser) PickupName() string {
	if u.Alias != nil && *u.Alias != "" {
		return *u.Alias
	}
	return u.DisplayName
}
