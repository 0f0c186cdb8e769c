// Package inbound normalizes provider payloads into canonical Events.
//
// It is the ingestion gate in front of the dedup ledger and the conversation
// resolver: WhatsApp and Instagram webhook bodies, Microsoft Graph mail
// messages and raw RFC 5322 mail all become an Event. Payloads that are not
// user messages (delivery statuses, echoes of our own sends, mail from
// automated infrastructure senders) are rejected with ErrIgnored so callers
// can acknowledge the provider and move on.
//
// Interactive replies whose payload looks like "<outcome>-<answer-id>" are
// classified as Feedback rather than freeform queries.
package inbound
