package viewmodel

import (
	"sync"
	"time"
)

// FlashTTL is how long a notice stays visible.
const FlashTTL = 5 * time.Second

// Flash holds the last user-visible notice until it expires.
type Flash struct {
	mu      sync.RWMutex
	message string
	isError bool
	expires time.Time
}

// Set stores a notice that expires after d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.isError = false
	f.expires = time.Now().Add(d)
}

// Error stores an error notice for FlashTTL.
func (f *Flash) Error(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.isError = true
	f.expires = time.Now().Add(FlashTTL)
}

// Get returns the current notice and whether it is an error, or "" once expired.
func (f *Flash) Get() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", false
	}
	return f.message, f.isError
}
