package notifier

import "time"

type Config struct {
	RatePerSec int
	// RetryMax is the number of resends after the first failed attempt;
	// 0 sends once. Callers that want retries by default use DefaultRetryMax.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	TimerID string    `json:"timer_id"`
	Target  string    `json:"target"`
	Error   string    `json:"error,omitempty"`
}

// DeliveryEvent is the payload of notifier.* bus events.
type DeliveryEvent struct {
	TimerID  string    `json:"timer_id"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
