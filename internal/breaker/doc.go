// Package breaker guards handler executions with per-handler circuit
// breakers.
//
// A breaker has three states:
//
//   - CLOSED: executions pass through
//   - OPEN: the handler is failing, executions are refused
//   - HALF-OPEN: one probe execution decides whether to close again
//
// Usage:
//
//	reg := breaker.NewRegistry(5, 30*time.Second)
//	b := reg.Get("ordersProxy")
//	if !b.Allow() {
//	    return spgate.ErrCircuitOpen
//	}
//	if err := call(); err != nil {
//	    b.RecordFailure()
//	} else {
//	    b.RecordSuccess()
//	}
package breaker
