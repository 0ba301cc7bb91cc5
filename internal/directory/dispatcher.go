package directory

import (
	"encoding/json"
	"sync"
)

// Dispatcher fans events out to subscribed session handles. A
// handle's subscription set is always installed as a full
// replacement, so re-deriving rights never leaks stale grants.
type Dispatcher struct {
	mu       sync.Mutex
	byChan   map[string]map[Handle]struct{}
	byHandle map[Handle][]string
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		byChan:   make(map[string]map[Handle]struct{}),
		byHandle: make(map[Handle][]string),
	}
}

// Subscribe replaces the handle's channel set.
func (dp *Dispatcher) Subscribe(h Handle, channels []string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.removeLocked(h)
	dp.byHandle[h] = append([]string(nil), channels...)
	for _, ch := range channels {
		set := dp.byChan[ch]
		if set == nil {
			set = make(map[Handle]struct{})
			dp.byChan[ch] = set
		}
		set[h] = struct{}{}
	}
}

// Unsubscribe removes the handle entirely.
func (dp *Dispatcher) Unsubscribe(h Handle) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.removeLocked(h)
}

func (dp *Dispatcher) removeLocked(h Handle) {
	for _, ch := range dp.byHandle[h] {
		if set := dp.byChan[ch]; set != nil {
			delete(set, h)
			if len(set) == 0 {
				delete(dp.byChan, ch)
			}
		}
	}
	delete(dp.byHandle, h)
}

// Channels returns the handle's current subscription set.
func (dp *Dispatcher) Channels(h Handle) []string {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return append([]string(nil), dp.byHandle[h]...)
}

// Dispatch delivers the event once to every handle subscribed to any
// of the given channels. Per-recipient failures are ignored.
func (dp *Dispatcher) Dispatch(channels []string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	dp.mu.Lock()
	seen := make(map[Handle]struct{})
	for _, ch := range channels {
		for h := range dp.byChan[ch] {
			seen[h] = struct{}{}
		}
	}
	targets := make([]Handle, 0, len(seen))
	for h := range seen {
		targets = append(targets, h)
	}
	dp.mu.Unlock()

	for _, h := range targets {
		_ = h.Deliver(payload)
	}
}
