// Package conversation maps inbound events to conversation ids.
//
// # Chat channels
//
// A chat user has at most one open session per channel:
//
//  1. An open session handed to the helpdesk is reused
//  2. Otherwise any open session is reused
//  3. Otherwise a new session with a random id is created
//
// Two concurrent first messages race on the store's partial unique index;
// the loser re-reads the winner's session.
//
// # Email
//
// Email conversations are threads rather than sessions:
//
//  1. A provider-native thread id (Graph conversationId) is the thread key;
//     unknown threads get a name-based id derived from it
//  2. Otherwise the key is the first References entry, else In-Reply-To,
//     else the message's own Message-ID
//  3. When the key is unknown the id is derived from the sender and the
//     normalized subject, so a reply whose headers were stripped still lands
//     in the original conversation. This merge is logged at info.
//
// Every email resolution stores the reply headers (subject, In-Reply-To,
// References, provider message id) so the answer can be sent in-thread.
// Derived ids are UUIDv5 and stable across restarts.
package conversation
