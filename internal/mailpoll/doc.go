// ABOUTME: Package documentation for the mailbox pollers
// ABOUTME: Graph and IMAP sources feeding parsed emails into the pipeline

// Package mailpoll turns a mailbox into a stream of inbound email events.
//
// Two sources exist: GraphPoller for Microsoft 365 mailboxes and IMAPPoller
// for everything else. Both parse with the inbound package, hand events to a
// Handler, and flag processed messages so they are not fetched again.
package mailpoll
