package almanac

import "sync"

// herdCount watches for thundering herds: several lookups fetching the
// same key at once because they all missed together. The window rollover
// at local midnight is the classic trigger, every caller wants the new
// date in the same instant.
type herdCount struct {
	mu     sync.Mutex
	inward map[string]int
}

func newHerdCount() *herdCount {
	return &herdCount{inward: make(map[string]int)}
}

// enter marks a fetch for key in progress and returns how many now are.
// Anything above one is a herd.
func (h *herdCount) enter(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inward[key]++
	return h.inward[key]
}

// leave marks one fetch for key finished.
func (h *herdCount) leave(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inward[key] <= 1 {
		delete(h.inward, key)
		return
	}
	h.inward[key]--
}
