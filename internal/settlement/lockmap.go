package settlement

import (
	"sync"

	"github.com/gagliardetto/solana-go"
)

type holderLock struct {
	holders int
	mu      sync.Mutex
}

// lockMap hands out one mutex per pool. Entries are reference counted and
// removed when the last holder releases them.
type lockMap struct {
	l sync.Mutex
	m map[solana.PublicKey]*holderLock
}

func newLockMap() *lockMap {
	return &lockMap{m: make(map[solana.PublicKey]*holderLock)}
}

// Lock blocks until the key is held and returns its release function.
func (l *lockMap) Lock(key solana.PublicKey) (unlock func()) {
	l.l.Lock()
	hl, ok := l.m[key]
	if !ok {
		hl = &holderLock{}
		l.m[key] = hl
	}
	hl.holders++
	l.l.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()

		l.l.Lock()
		hl.holders--
		if hl.holders == 0 {
			delete(l.m, key)
		}
		l.l.Unlock()
	}
}

// Len is the number of keys currently held or waited on.
func (l *lockMap) Len() int {
	l.l.Lock()
	defer l.l.Unlock()
	return len(l.m)
}
