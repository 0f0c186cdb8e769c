// Package gateway wires the orchestrator together and serves its HTTP surface.
//
// # Overview
//
// New builds every component once from the configuration and injects them:
// the store, the dedup ledger and its cache, the conversation resolver, the
// backend client, the outbound sender registry, the lifecycle event emitter,
// the idle session sweeper and the mail poller. Run supervises the HTTP
// server, the sweeper and the poller with an errgroup and releases everything
// when the context is canceled.
//
// # Pipeline
//
// Pipeline carries a message through the system:
//
//	webhook / mail poll / process API
//	  -> Ingestion (inbound.Parse*)
//	  -> Dedup Ledger (dedupe.Ledger)
//	  -> Resolver (conversation.Resolver)
//	  -> Backend ask (fire-and-forget)
//
// The backend answers later through POST /api/messages/reply, which
// DeliverReply sends with the stored email thread headers and follows with a
// feedback request when the answer has an id. Feedback interactions skip the
// ledger and resolver and are forwarded to the feedback API.
//
// # HTTP API
//
//   - GET  /whatsapp/webhook, /instagram/webhook - hub verification
//   - POST /whatsapp/webhook, /instagram/webhook - provider deliveries
//   - POST /api/messages/process - inject an inbound message
//   - POST /api/messages/reply - backend answer callback
//   - GET  /api/sessions/{id} - inspect a session
//   - POST /api/sessions/{id}/close - close a session now
//   - POST /api/sessions/{id}/helpdesk - set or clear the helpdesk flag
//   - GET  /health, /health/ready - liveness and store readiness
//   - GET  /metrics - Prometheus metrics (path configurable)
//
// Webhooks acknowledge before processing and are authenticated by the
// X-Hub-Signature-256 header when an app secret is configured. The /api
// routes require a bearer token when auth.jwt_secret is set.
package gateway
