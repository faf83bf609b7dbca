// Package notifier carries billing notifications from the handlers that
// produce them to the channel that delivers them.
//
// The unit of work is an Intent: a template identifier, a recipient user ID,
// and a structured context map. Billing code only produces intents; it never
// renders templates or touches addresses. The Dispatcher stores intents as
// queue tasks strictly after the producing transaction commits, the queue
// worker executes them through a Deliverer, and failed deliveries retry with
// the queue's fixed backoff before landing in the dead letter queue.
//
// Delivery is at-least-once. A duplicate email after a crash is acceptable;
// a lost billing state change is not, which is why the dispatcher never
// propagates enqueue failures back to the caller.
package notifier
