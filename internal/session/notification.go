package session

// NotificationKind classifies a Notification.
type NotificationKind int

const (
	NotifyStreaming NotificationKind = iota + 1
	NotifyDisconnected
	NotifyError
	NotifyMessage
	NotifyMessageAck
	NotifyModeChange
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyStreaming:
		return "streaming"
	case NotifyDisconnected:
		return "disconnected"
	case NotifyError:
		return "error"
	case NotifyMessage:
		return "message"
	case NotifyMessageAck:
		return "message-ack"
	case NotifyModeChange:
		return "mode-change"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON payloads.
func (k NotificationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Notification is surfaced to the application for connection lifecycle
// changes and chat traffic.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"sessionId"`
	Peer      string           `json:"peer,omitempty"`
	ID        uint64           `json:"id,omitempty"`
	Message   string           `json:"message,omitempty"`
}
