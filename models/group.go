package models

import "time"

// Group is a named chat room with exactly one admin and an ordered,
// duplicate-free member list. Members are the self-asserted user names the
// session layer hands us; the admin is always present in Members while the
// group exists.
type Group struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Admin     string    `json:"admin"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID is in the member list.
func (g *Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}
