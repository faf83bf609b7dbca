package notifier

import "errors"

var (
	// ErrRecipientNotFound is returned by AddressResolver implementations when
	// no address exists for a user. Deliverers treat it as permanent and drop
	// the intent instead of retrying.
	ErrRecipientNotFound = errors.New("notifier.errors.recipient_not_found")
	ErrDeliveryFailed    = errors.New("notifier.errors.delivery_failed")
)
