package aggregator

// trySend offers v to ch without ever blocking the caller. It reports
// whether the value was accepted; a full (or nil) channel drops it. Every
// inter-stage hop uses this so a stalled consumer can only cost snapshots,
// never pipeline liveness.
func trySend[T any](ch chan<- T, v T) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
