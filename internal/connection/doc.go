// Package connection manages the single shared realtime connection.
//
// # Overview
//
// Every consumer that needs live events calls Acquire, which hands back a
// Handle and connects the underlying transport if this was the first claim.
// Releasing the last Handle schedules teardown after a short grace period,
// so a consumer that immediately re-acquires (UI remount churn) reuses the
// live connection instead of cycling it.
//
// # Lifecycle
//
// The manager moves through Disconnected, Connecting, Connected, and
// Reconnecting. Concurrent Acquire calls while an attempt is in flight all
// await that same attempt; there is never more than one transport connect
// running. A failed attempt retries with doubling delays up to a cap; when
// attempts are exhausted, or the credential is rejected outright, exactly
// one fatal system event is broadcast to subscribers and every waiting
// Acquire gets the error.
//
// An unexpected drop while handles are outstanding re-enters the retry loop
// automatically. A drop with no outstanding handles just settles into
// Disconnected.
//
// # Events
//
// Raw frames from the transport are decoded and validated before dispatch;
// malformed frames are logged and dropped. Subscribers register per category
// via On and receive events in arrival order.
package connection
