package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

// ChatLimiter is per-chat flood control: one token bucket per chat id.
// A nil *ChatLimiter allows everything.
type ChatLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu          sync.Mutex
	chats       map[int64]*chatBucket
	lastCleanup time.Time
}

type chatBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewChatLimiter returns a limiter refilling ratePerMinute tokens per minute
// with the given burst, or nil when ratePerMinute is not positive.
func NewChatLimiter(ratePerMinute float64, burst int) *ChatLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ChatLimiter{
		limit:       rate.Limit(ratePerMinute / 60.0),
		burst:       burst,
		idleTTL:     defaultIdleTTL,
		now:         time.Now,
		chats:       make(map[int64]*chatBucket),
		lastCleanup: time.Now(),
	}
}

// Allow consumes one token for chatID and reports whether it was available.
func (l *ChatLimiter) Allow(chatID int64) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.chats[chatID]
	if !ok {
		b = &chatBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.chats[chatID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.cleanupLocked(now)
	return allowed
}

// cleanupLocked drops buckets idle for longer than idleTTL.
func (l *ChatLimiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < l.idleTTL {
		return
	}
	for id, b := range l.chats {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.chats, id)
		}
	}
	l.lastCleanup = now
}

// Len returns the number of tracked chats.
func (l *ChatLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}
