package types

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	return k == MessageKindText || k == MessageKindImage || k == MessageKindFile
}

// Message is stored at messages/{roomId}/{id}. Timestamp is assigned by the store at write time (Unix ms).
// Deleted messages keep their record, the text is replaced and the original content is gone.
type Message struct {
	Id           string      `json:"id,omitempty"`
	Text         string      `json:"text"`
	SenderId     string      `json:"senderId"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar,omitempty"`
	Timestamp    int64       `json:"timestamp"`
	Kind         MessageKind `json:"type"`
	ImageUrl     string      `json:"imageUrl,omitempty"`
	FileUrl      string      `json:"fileUrl,omitempty"`
	FileName     string      `json:"fileName,omitempty"`
	ReplyTo      string      `json:"replyTo,omitempty"`
	Edited       bool        `json:"edited,omitempty"`
	Deleted      bool        `json:"deleted,omitempty"`
}

// TypingRecord is the ephemeral value at typing/{roomId}/{userId}.
type TypingRecord struct {
	Timestamp int64 `json:"timestamp"`
}
