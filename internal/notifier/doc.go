// Package notifier delivers operator notices.
//
// Notices are small, high-signal messages for the bot operators: an account
// was linked or unlinked, a broadcast was force-stopped, a session died.
// Callers fire and forget through NotifyAdmin; the service queues the notice,
// suppresses repeats inside the dedup window (also across restarts when a
// Dedup store is wired), rate limits and retries delivery on a small worker
// pool.
//
// # Sinks
//
// Delivery goes to the admin chat through the bot adapter and, when a
// webhook URL is configured, to the webhook as JSON.
//
// # History
//
// The service keeps a short in-memory history of delivered notices.
package notifier
