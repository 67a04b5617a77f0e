package orchestrator

import (
	"strings"
	"sync"
)

// LockKey identifies one order book on one account.
func LockKey(exchange, subAccount, market string) string {
	return strings.ToLower(exchange) + "|" + subAccount + "|" + strings.ToUpper(market)
}

// MarketLocks is a set of try-locks keyed by LockKey. A caller that cannot
// take a lock skips its work instead of waiting.
type MarketLocks struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewMarketLocks() *MarketLocks {
	return &MarketLocks{inFlight: make(map[string]struct{})}
}

// TryLock takes the lock for key. It returns false when the key is held.
func (l *MarketLocks) TryLock(key string) (unlock func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.inFlight[key]; held {
		return nil, false
	}
	l.inFlight[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.inFlight, key)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether key is locked.
func (l *MarketLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.inFlight[key]
	return held
}
