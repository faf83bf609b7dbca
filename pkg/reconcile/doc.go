// Package reconcile contains the sweeps that keep billing state honest when
// the webhook stream fails to deliver: expiring lapsed subscriptions,
// reminding users whose trial is about to end, and pruning old idempotency
// markers.
//
// Each unit of work is independent. A failure on one subscription is recorded
// in the run's Report and the sweep moves on; only the inability to list work
// at all aborts a sweep. Sweeps are exposed both as directly invokable
// methods and as recurring queue tasks (see Handlers and RegisterSchedules).
package reconcile
