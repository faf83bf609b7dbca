package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/streamkit/pkg/email"
)

// AddressResolver resolves a user ID to an email address. Implementations
// return ErrRecipientNotFound when the user has no deliverable address.
type AddressResolver interface {
	EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error)
}

// EmailDeliverer sends intents as provider-rendered templated emails. The
// intent's template identifier doubles as the provider-side template alias,
// and the intent context becomes the template model as-is.
type EmailDeliverer struct {
	sender   email.TemplateSender
	resolver AddressResolver
	log      *slog.Logger
	tag      string
}

// EmailDelivererOption configures an EmailDeliverer.
type EmailDelivererOption func(*EmailDeliverer)

// WithEmailTag overrides the provider-side analytics tag.
func WithEmailTag(tag string) EmailDelivererOption {
	return func(d *EmailDeliverer) {
		if tag != "" {
			d.tag = tag
		}
	}
}

// WithEmailLogger sets the deliverer logger.
func WithEmailLogger(log *slog.Logger) EmailDelivererOption {
	return func(d *EmailDeliverer) {
		if log != nil {
			d.log = log
		}
	}
}

// NewEmailDeliverer creates the email delivery channel. Panics on nil
// required dependencies to fail fast during initialization.
func NewEmailDeliverer(sender email.TemplateSender, resolver AddressResolver, opts ...EmailDelivererOption) *EmailDeliverer {
	if sender == nil {
		panic("notifier: email.TemplateSender is required")
	}
	if resolver == nil {
		panic("notifier: AddressResolver is required")
	}

	d := &EmailDeliverer{
		sender:   sender,
		resolver: resolver,
		log:      slog.Default(),
		tag:      "billing",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver resolves the recipient and sends the templated email. A missing
// recipient or invalid parameters are permanent: logged and dropped so the
// queue does not retry them.
func (d *EmailDeliverer) Deliver(ctx context.Context, intent Intent) error {
	addr, err := d.resolver.EmailByUserID(ctx, intent.UserID)
	if err != nil {
		if errors.Is(err, ErrRecipientNotFound) {
			d.log.Warn("no address for notification recipient",
				slog.String("template", intent.Template),
				slog.String("user_id", intent.UserID.String()))
			return nil
		}
		return fmt.Errorf("failed to resolve recipient %s: %w", intent.UserID, err)
	}

	err = d.sender.SendTemplated(ctx, email.SendTemplatedParams{
		SendTo:        addr,
		TemplateAlias: intent.Template,
		TemplateModel: intent.Context,
		Tag:           d.tag,
	})
	if err != nil {
		if errors.Is(err, email.ErrInvalidParams) {
			d.log.Warn("dropping undeliverable notification intent",
				slog.String("template", intent.Template),
				slog.String("user_id", intent.UserID.String()),
				slog.String("error", err.Error()))
			return nil
		}
		return errors.Join(ErrDeliveryFailed, err)
	}
	return nil
}
