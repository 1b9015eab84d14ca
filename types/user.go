package types

import "time"

// User is the identity of a connected gateway client.
type User struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Presence is stored at presence/{userId}, exactly one record per user.
type Presence struct {
	UserId   string `json:"id,omitempty"`
	Online   bool   `json:"online"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

// LastSeenTime converts the stored Unix millisecond value.
func (p *Presence) LastSeenTime() time.Time {
	return time.Unix(0, p.LastSeen*int64(time.Millisecond))
}
