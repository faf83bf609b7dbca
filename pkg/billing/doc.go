// Package billing implements the webhook-driven subscription billing core for
// a media-streaming service: an idempotency ledger for provider events, a
// subscription state machine, an append-only billing ledger, and a processor
// that evolves subscription state exactly once per logical provider event.
//
// The payment provider delivers events at least once, possibly duplicated and
// out of order. The Processor admits each event through the idempotency ledger,
// runs the matching state transition handler inside a single storage
// transaction, and enqueues notification intents only after the transaction
// commits. A handler failure releases the event marker so the provider's retry
// is processed as new instead of being swallowed as a duplicate.
//
// Provider integrations (Stripe, Paddle) implement the Provider interface and
// normalize their webhook payloads into the closed Event variant; unknown event
// kinds are acknowledged as no-ops for forward compatibility.
package billing
