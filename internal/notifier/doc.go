// Package notifier delivers operator messages asynchronously.
//
// Messages are small, high-signal texts: failed or quarantined jobs, log
// alerts. Send never blocks on delivery; a worker pool drains a bounded queue
// under a token-bucket rate limit, retries with jittered backoff and
// suppresses identical messages inside a dedup window.
//
// # Transport
//
// Delivery is delegated to a transport.Sender (Telegram or the logger), so
// callers never depend on a messaging platform.
package notifier
