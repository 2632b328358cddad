package anomaly

import (
	"log/slog"
	"sync"
	"time"
)

// AnonymousAgent is the per-tenant bucket used when a request carries no
// agent id.
const AnonymousAgent = "anonymous"

// AgentWindow holds the time-bounded behavioural state for one
// (tenant, agent) pair. Mutations are serialized by the per-window mutex.
// Tool names carry their observation time so they age out of the window
// with the timestamps.
type AgentWindow struct {
	mu         sync.Mutex
	callTimes  []time.Time
	errorTimes []time.Time
	tools      []toolObservation
}

type toolObservation struct {
	at   time.Time
	name string
}

// Snapshot is a point-in-time copy of a window used by the rule evaluation,
// taken under the window lock so rules run without holding it.
type Snapshot struct {
	CallTimes  []time.Time
	ErrorTimes []time.Time
	Tools      []string
}

// WindowStore owns all agent windows. Windows are keyed by
// "<tenant>:<agent>"; agent ids never cross tenants because the tenant id is
// part of the key.
type WindowStore struct {
	mu        sync.RWMutex
	windows   map[string]*AgentWindow
	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewWindowStore creates the store and starts the background eviction sweep.
func NewWindowStore(retention, evictionInterval time.Duration) *WindowStore {
	ws := &WindowStore{
		windows:   make(map[string]*AgentWindow),
		retention: retention,
		stop:      make(chan struct{}),
	}
	go ws.evictLoop(evictionInterval)
	return ws
}

func windowKey(tenantID, agentID string) string {
	if agentID == "" {
		agentID = AnonymousAgent
	}
	return tenantID + ":" + agentID
}

// Observe records one call for (tenant, agent): the call timestamp, the
// requested tool names, and an error timestamp when the response was
// classified as an error. It returns a snapshot that already includes this
// call, for rule evaluation.
func (ws *WindowStore) Observe(tenantID, agentID string, now time.Time, tools []string, isError bool) Snapshot {
	key := windowKey(tenantID, agentID)

	ws.mu.RLock()
	w := ws.windows[key]
	ws.mu.RUnlock()

	if w == nil {
		ws.mu.Lock()
		// Recheck: another request may have created it.
		if w = ws.windows[key]; w == nil {
			w = &AgentWindow{}
			ws.windows[key] = w
		}
		ws.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.callTimes = append(w.callTimes, now)
	for _, name := range tools {
		w.tools = append(w.tools, toolObservation{at: now, name: name})
	}
	if isError {
		w.errorTimes = append(w.errorTimes, now)
	}

	toolNames := make([]string, len(w.tools))
	for i, obs := range w.tools {
		toolNames[i] = obs.name
	}
	snap := Snapshot{
		CallTimes:  append([]time.Time(nil), w.callTimes...),
		ErrorTimes: append([]time.Time(nil), w.errorTimes...),
		Tools:      toolNames,
	}
	return snap
}

// evictLoop periodically drops expired timestamps and removes empty windows,
// bounding memory regardless of tenant churn.
func (ws *WindowStore) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ws.Evict(time.Now())
		case <-ws.stop:
			return
		}
	}
}

// Evict drops per-window timestamps older than the retention horizon and
// removes windows left with no call timestamps.
func (ws *WindowStore) Evict(now time.Time) {
	cutoff := now.Add(-ws.retention)

	// Snapshot keys under the read lock, then work per window.
	ws.mu.RLock()
	keys := make([]string, 0, len(ws.windows))
	for k := range ws.windows {
		keys = append(keys, k)
	}
	ws.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		ws.mu.RLock()
		w := ws.windows[key]
		ws.mu.RUnlock()
		if w == nil {
			continue
		}

		w.mu.Lock()
		w.callTimes = pruneBefore(w.callTimes, cutoff)
		w.errorTimes = pruneBefore(w.errorTimes, cutoff)
		w.tools = pruneToolsBefore(w.tools, cutoff)
		empty := len(w.callTimes) == 0
		w.mu.Unlock()

		if empty {
			ws.mu.Lock()
			delete(ws.windows, key)
			ws.mu.Unlock()
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("window eviction sweep", "removed", removed, "remaining", ws.Size())
	}
}

// pruneBefore drops leading timestamps older than cutoff. Timestamps are
// appended in order, so the slice stays sorted.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// pruneToolsBefore drops leading tool observations older than cutoff.
// Observations are appended in call order, so the slice stays sorted.
func pruneToolsBefore(obs []toolObservation, cutoff time.Time) []toolObservation {
	i := 0
	for i < len(obs) && obs[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return obs
	}
	return append(obs[:0:0], obs[i:]...)
}

// Size returns the number of live windows.
func (ws *WindowStore) Size() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.windows)
}

// Stop terminates the eviction loop.
func (ws *WindowStore) Stop() {
	ws.stopOnce.Do(func() { close(ws.stop) })
}

// countSince returns how many timestamps fall within (now-d, now].
func countSince(ts []time.Time, now time.Time, d time.Duration) int {
	cutoff := now.Add(-d)
	n := 0
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// distinctCount returns the number of distinct strings in list.
func distinctCount(list []string) int {
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		seen[s] = struct{}{}
	}
	return len(seen)
}
