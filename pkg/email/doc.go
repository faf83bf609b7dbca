// Package email provides a provider-agnostic interface for sending
// transactional emails, with built-in support for Postmark.
//
// Two sending modes are exposed through the Sender interface:
//
//   - SendEmail delivers pre-rendered HTML.
//   - SendTemplated delivers a template alias plus a data model; the provider
//     renders the template on its side. Billing notifications use this mode so
//     the application never owns email markup.
//
// Implementations:
//
//   - NewPostmarkClient for production delivery with open/click tracking
//   - NewDevSender for local development (saves emails to disk instead of
//     sending them)
//
// All implementations validate parameters before sending and wrap provider
// failures in ErrFailedToSendEmail so callers can branch with errors.Is.
//
// Basic usage:
//
//	cfg := email.Config{
//	    PostmarkServerToken:  "server-token",
//	    PostmarkAccountToken: "account-token",
//	    SenderEmail:          "noreply@example.com",
//	    SupportEmail:         "support@example.com",
//	}
//	sender, err := email.NewPostmarkClient(cfg)
//	if err != nil {
//	    return err
//	}
//
//	err = sender.SendTemplated(ctx, email.SendTemplatedParams{
//	    SendTo:        "user@example.com",
//	    TemplateAlias: "payment_receipt",
//	    TemplateModel: map[string]any{"amount": "$9.99"},
//	    Tag:           "billing",
//	})
package email
