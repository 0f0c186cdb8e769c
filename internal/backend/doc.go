// ABOUTME: Package documentation for the backend client
// ABOUTME: Describes the ask/callback contract with the conversational backend

// Package backend forwards user messages to the conversational backend and
// reports answer feedback.
//
// Asks are fire-and-forget: the backend replies later through the
// /api/messages/reply callback, so Ask returns as soon as the request is queued.
package backend
