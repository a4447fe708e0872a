package store

// Instance connection states as reported by the gateway. Local code never
// invents a state; these values always originate from a gateway response.
const (
	StatusOpen       = "open"
	StatusClose      = "close"
	StatusConnecting = "connecting"
)

// Instance represents a named gateway session.
type Instance struct {
	Name              string `json:"name"`
	ID                string `json:"id,omitempty"`
	Status            string `json:"status"`
	OwnerNumber       string `json:"ownerNumber,omitempty"`
	ProfileName       string `json:"profileName,omitempty"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
}

// Chat represents a normalized conversation within an instance.
type Chat struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	LastMessagePreview string `json:"lastMessagePreview"`
	UnreadCount        int    `json:"unreadCount"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	AvatarURL          string `json:"avatarUrl,omitempty"`
}

// Message kinds produced by normalization.
const (
	KindText     = "text"
	KindImage    = "image"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
)

// Message represents a normalized message. IDs are unique only in
// combination with ChatID.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	FromMe    bool   `json:"fromMe"`
	Body      string `json:"body"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}
