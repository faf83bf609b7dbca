// Package entitlement turns subscription state plus plan reference data into
// concrete access answers: can this user stream, at what quality, on how many
// devices. It is strictly read-only over billing state.
//
// Past-due subscriptions keep streaming: the payment failed but the grace
// period has not revoked entitlement yet. Canceled and expired subscriptions
// do not stream. Requested playback quality is clamped to the plan's ceiling,
// never dropped to the floor.
package entitlement
