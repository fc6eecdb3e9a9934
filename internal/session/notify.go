package session

// Notification types published to a user's realtime subscribers.
const (
	NotificationProgressChange = "progress-change"
	NotificationLibraryChange  = "library-change"
)

// Notification describes a change to a user's stored data.
type Notification struct {
	Type       string `json:"type"`
	UserID     string `json:"-"`
	SeriesSlug string `json:"seriesSlug,omitempty"`
	ChapterID  string `json:"chapterId,omitempty"`
	IsRead     bool   `json:"isRead,omitempty"`
	LastPage   int    `json:"lastPage,omitempty"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use and must not block.
type Notifier interface {
	Notify(notification Notification)
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}
