// Package alert holds the user-facing error and notification banner.
package alert

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/xiaot623/gogo/mimir/internal/adapter/backend"
)

// GenericMessage is shown for any failure the backend did not explain.
const GenericMessage = "Something went wrong. Please try again later."

// Reporter accepts failures that should be surfaced to the user.
type Reporter interface {
	Report(err error)
}

// Message turns err into banner text. Only client errors (4xx) carry a
// message meant for the user.
func Message(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.ClientError() && apiErr.Message != "" {
		return apiErr.Message
	}
	return GenericMessage
}

// State is what the banner currently shows. Empty fields are hidden.
type State struct {
	Error        string
	Notification string
}

// Banner is the process-wide alert state.
type Banner struct {
	log *slog.Logger

	mu       sync.Mutex
	state    State
	watchers map[int]func(State)
	nextID   int
}

// NewBanner creates an empty banner.
func NewBanner(logger *slog.Logger) *Banner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Banner{
		log:      logger,
		watchers: make(map[int]func(State)),
	}
}

// Report implements Reporter.
func (b *Banner) Report(err error) {
	if err == nil {
		return
	}
	b.log.Error("request failed", slog.String("error", err.Error()))
	b.SetError(Message(err))
}

// SetError shows msg as the error. An empty msg hides it.
func (b *Banner) SetError(msg string) {
	b.update(func(s *State) { s.Error = msg })
}

// SetNotification shows msg as a notification. An empty msg hides it.
func (b *Banner) SetNotification(msg string) {
	b.update(func(s *State) { s.Notification = msg })
}

// Clear hides everything.
func (b *Banner) Clear() {
	b.update(func(s *State) { *s = State{} })
}

// State returns what the banner currently shows.
func (b *Banner) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnChange registers fn to run after every change. The returned func
// removes it.
func (b *Banner) OnChange(fn func(State)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.watchers[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}

func (b *Banner) update(fn func(*State)) {
	b.mu.Lock()
	fn(&b.state)
	state := b.state
	watchers := make([]func(State), 0, len(b.watchers))
	for _, w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		w(state)
	}
}
