package audit

import "sync"

// channelLocks hands out one mutex per channel. Entries are reference
// counted and dropped when the last holder unlocks, so the map only
// holds channels with a commit in flight.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[string]*channelLock)}
}

// lock blocks until the caller owns the channel and returns the matching
// unlock function.
func (l *channelLocks) lock(channel string) func() {
	l.mu.Lock()
	cl, ok := l.locks[channel]
	if !ok {
		cl = &channelLock{}
		l.locks[channel] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, channel)
		}
		l.mu.Unlock()
	}
}
