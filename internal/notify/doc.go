// Package notify tells administrators that a scheduled post was published
// by the reconciler.
//
// # Message
//
// Every notification carries the fixed subject "Scheduled Post Published: #<id>"
// and body "The scheduled post #<id> has been published.". When a post lookup
// is configured the body also lists the title and permalink.
//
// # Transport
//
// Delivery is delegated to a Transport: the log transport (default), SMTP, or
// Telegram. Sends are rate limited and bounded by a per-send timeout. Failures
// are logged and returned to the caller, which never aborts a batch on them.
//
// # History
//
// The sender keeps a small in-memory history of recent sends for status
// output.
package notify
