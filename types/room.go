package types

import "sort"

type RoomKind string

const (
	RoomKindGroup   RoomKind = "group"
	RoomKindPrivate RoomKind = "private"
)

// Valid reports whether k is one of the known room kinds.
func (k RoomKind) Valid() bool {
	return k == RoomKindGroup || k == RoomKindPrivate
}

// Room is stored at chatRooms/{id}. The id is the tree key and is not part of the stored value.
// LastMessage and LastMessageTime are a denormalized copy of the newest message in the room.
type Room struct {
	Id              string          `json:"id,omitempty"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Avatar          string          `json:"avatar,omitempty"`
	Kind            RoomKind        `json:"type"`
	Members         map[string]bool `json:"members,omitempty"`
	Admins          map[string]bool `json:"admins,omitempty"`
	LastMessage     string          `json:"lastMessage,omitempty"`
	LastMessageTime int64           `json:"lastMessageTime,omitempty"`
	CreatedAt       int64           `json:"createdAt"`
	CreatedBy       string          `json:"createdBy"`
}

func (r *Room) IsMember(userId string) bool {
	return r.Members[userId]
}

func (r *Room) IsAdmin(userId string) bool {
	return r.Admins[userId]
}

// MemberIds returns the ids of all current members, sorted.
func (r *Room) MemberIds() []string {
	return setKeys(r.Members)
}

// AdminIds returns the ids of all current admins, sorted.
func (r *Room) AdminIds() []string {
	return setKeys(r.Admins)
}

func setKeys(m map[string]bool) []string {
	res := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			res = append(res, k)
		}
	}
	sort.Strings(res)
	return res
}
