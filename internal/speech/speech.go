// Package speech turns text into audio and fans delivery events out to
// connected dashboards. Synthesis engines are pluggable: a local Piper
// binary, AWS Polly, or none.
package speech

import (
	"context"
	"strings"
	"sync"
	"time"

	appLog "butler/internal/log"
)

// Synthesizer renders text to an audio file and returns its filename
// relative to the audio output directory.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Event is one delivery pushed to subscribed dashboards.
type Event struct {
	Kind  string `json:"kind"` // "notification" or "speech"
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
	Phase string `json:"phase,omitempty"`
	// Audio is the relative URL of the synthesized file, empty when
	// synthesis is off or failed.
	Audio string `json:"audio,omitempty"`
}

// Notifier synthesizes and broadcasts spoken lines. It implements the
// scheduler's notion of delivery: a call returns once the line has been
// synthesized, published, and given time to play out.
type Notifier struct {
	engine Synthesizer
	safety time.Duration
	sleep  func(time.Duration)

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewNotifier builds a Notifier around the given engine. engine may be nil
// to disable synthesis entirely (events still broadcast).
func NewNotifier(engine Synthesizer, safety time.Duration) *Notifier {
	return &Notifier{
		engine: engine,
		safety: safety,
		sleep:  time.Sleep,
		subs:   make(map[chan Event]struct{}),
	}
}

// Subscribe registers a dashboard listener. The returned cancel function
// must be called when the listener goes away.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *Notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
			// Slow listener: drop rather than stall delivery.
		}
	}
}

// Deliver synthesizes and broadcasts a notification, then blocks for the
// estimated speaking time so the caller's state machine paces itself to
// the audio.
func (n *Notifier) Deliver(ctx context.Context, title, text string, kind string) error {
	audio := n.synthesize(ctx, text)
	n.publish(Event{Kind: "notification", Title: title, Text: text, Phase: kind, Audio: audio})
	n.waitForPlayback(text)
	return nil
}

// Speak synthesizes and broadcasts a bare spoken line.
func (n *Notifier) Speak(ctx context.Context, text string) error {
	audio := n.synthesize(ctx, text)
	n.publish(Event{Kind: "speech", Text: text, Audio: audio})
	n.waitForPlayback(text)
	return nil
}

func (n *Notifier) synthesize(ctx context.Context, text string) string {
	if n.engine == nil {
		return ""
	}
	name, err := n.engine.Synthesize(ctx, text)
	if err != nil {
		// Delivery still happens as text; the dashboard shows the line.
		appLog.Error("synthesis failed", err)
		return ""
	}
	return "/audio/" + name
}

// waitForPlayback approximates how long the line takes to speak, bounded
// by the safety timeout.
func (n *Notifier) waitForPlayback(text string) {
	d := estimateDuration(text)
	if n.safety > 0 && d > n.safety {
		d = n.safety
	}
	n.sleep(d)
}

// estimateDuration assumes a measured speaking pace of roughly 150 words
// per minute, plus a moment of lead-in.
func estimateDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	return time.Second + time.Duration(words)*400*time.Millisecond
}
