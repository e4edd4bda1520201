package recalc

import "sync"

// walletLocks serializes recalculations per wallet. Locks are wallet-scoped so
// unrelated wallets never contend; the map only ever grows to the number of
// wallets seen by this process.
type walletLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newWalletLocks() *walletLocks {
	return &walletLocks{locks: make(map[int64]*sync.Mutex)}
}

// acquire blocks until the wallet's lock is held and returns the release func.
func (w *walletLocks) acquire(walletID int64) func() {
	w.mu.Lock()
	m, ok := w.locks[walletID]
	if !ok {
		m = &sync.Mutex{}
		w.locks[walletID] = m
	}
	w.mu.Unlock()

	m.Lock()
	return m.Unlock
}
