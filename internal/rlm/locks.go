package rlm

import "sync"

// campaignLocks serializes commits per campaign. Entries are dropped once
// nobody holds or waits for them.
type campaignLocks struct {
	mu    sync.Mutex
	locks map[string]*campaignLock
}

type campaignLock struct {
	mu   sync.Mutex
	refs int
}

func newCampaignLocks() *campaignLocks {
	return &campaignLocks{locks: make(map[string]*campaignLock)}
}

// lock blocks until the campaign's commit lock is held and returns the
// function that releases it.
func (l *campaignLocks) lock(campaignID string) func() {
	l.mu.Lock()
	cl, ok := l.locks[campaignID]
	if !ok {
		cl = &campaignLock{}
		l.locks[campaignID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, campaignID)
		}
		l.mu.Unlock()
	}
}

func (l *campaignLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
