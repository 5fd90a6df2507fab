package ring

import "sync/atomic"

// storeRelease publishes val to *addr with release-store semantics, matching
// liburing's io_uring_smp_store_release. atomic.StoreUint32 alone provides
// that ordering; no separate fence is issued.
func storeRelease(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

// loadAcquire reads *addr with acquire-load semantics, matching liburing's
// io_uring_smp_load_acquire. atomic.LoadUint32 alone provides that ordering.
func loadAcquire(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}
