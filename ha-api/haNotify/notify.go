package haNotify

import "go.uber.org/zap"

// Notifier presents a short human-readable title to the user. Implementations must not
// block the caller for long; callers never wait on the outcome.
type Notifier interface {
	Notify(title string)
}

type NotifierFunc func(title string)

func (f NotifierFunc) Notify(title string) { f(title) }

type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title string) {
	n.logger.Infow("Notification", "title", title)
}

// Multi fans a title out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(title string) {
	for _, n := range m {
		if n != nil {
			n.Notify(title)
		}
	}
}

// Nop discards every title.
var Nop Notifier = NotifierFunc(func(string) {})
