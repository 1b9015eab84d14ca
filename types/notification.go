package types

type NotificationType string

const (
	NotificationTypeActivity     NotificationType = "activity"
	NotificationTypeAnnouncement NotificationType = "announcement"
	NotificationTypeTask         NotificationType = "task"
	NotificationTypeGeneral      NotificationType = "general"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeActivity, NotificationTypeAnnouncement, NotificationTypeTask, NotificationTypeGeneral:
		return true
	}
	return false
}

// Notification is stored at notifications/{id}. ReadBy maps user ids to true once the user has read it, it is never nil after decoding.
type Notification struct {
	Id        string           `json:"id,omitempty"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Type      NotificationType `json:"type"`
	CreatedBy string           `json:"createdBy"`
	Timestamp int64            `json:"timestamp"`
	ReadBy    map[string]bool  `json:"readBy"`
}

func (n *Notification) IsReadBy(userId string) bool {
	return n.ReadBy[userId]
}
