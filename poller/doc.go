// Package poller wraps Linux epoll for a single dispatching goroutine, with
// registration and re-arming permitted from any goroutine.
//
// Each registered descriptor carries a 64-bit token, delivered back to the
// Wait callback instead of the descriptor itself. Callers use it to detect
// events for a descriptor number that has since been closed and reused.
//
// # One-shot registration
//
// Descriptors registered with EventOneShot are edge-triggered, disarmed after
// each delivered event, and report peer half-close. ModifyFD re-applies the
// mode recorded at registration, so such a descriptor can't accidentally be
// re-armed without it.
package poller
