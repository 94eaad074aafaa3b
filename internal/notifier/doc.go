// Package notifier delivers timer announcements to chats.
//
// Deliver is synchronous: it renders the announcement, waits for the shared
// rate limiter, and sends through a transport.Sender with a bounded timeout
// per attempt and exponential backoff with jitter between attempts.
//
// A small in-memory history of recent deliveries is kept for /status.
package notifier
