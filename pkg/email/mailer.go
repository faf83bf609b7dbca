package email

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// emailRegex is intentionally permissive; Postmark does the authoritative
// validation on its side.
var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// EmailSender sends pre-rendered HTML emails.
type EmailSender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

// TemplateSender sends emails rendered by the provider from a named template.
// The caller supplies the template alias and model; rendering happens on the
// provider's side.
type TemplateSender interface {
	SendTemplated(ctx context.Context, params SendTemplatedParams) error
}

// Sender is the full mail surface: both raw HTML and provider-rendered
// templated sending.
type Sender interface {
	EmailSender
	TemplateSender
}

// SendEmailParams represents the parameters for sending a pre-rendered email.
type SendEmailParams struct {
	SendTo   string `json:"send_to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	Tag      string `json:"tag,omitempty"` // Optional, for provider-side analytics
}

// Validate checks the parameters before handing them to a provider.
func (p SendEmailParams) Validate() error {
	if strings.TrimSpace(p.SendTo) == "" {
		return fmt.Errorf("%w: SendTo is required", ErrInvalidParams)
	}
	if !emailRegex.MatchString(p.SendTo) {
		return fmt.Errorf("%w: SendTo must be a valid email address", ErrInvalidParams)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("%w: Subject is required", ErrInvalidParams)
	}
	if strings.TrimSpace(p.BodyHTML) == "" {
		return fmt.Errorf("%w: BodyHTML is required", ErrInvalidParams)
	}
	return nil
}

// SendTemplatedParams represents the parameters for provider-rendered email.
// TemplateModel is the data the provider substitutes into the template.
type SendTemplatedParams struct {
	SendTo        string         `json:"send_to"`
	TemplateAlias string         `json:"template_alias"`
	TemplateModel map[string]any `json:"template_model,omitempty"`
	Tag           string         `json:"tag,omitempty"`
}

// Validate checks the parameters before handing them to a provider.
func (p SendTemplatedParams) Validate() error {
	if strings.TrimSpace(p.SendTo) == "" {
		return fmt.Errorf("%w: SendTo is required", ErrInvalidParams)
	}
	if !emailRegex.MatchString(p.SendTo) {
		return fmt.Errorf("%w: SendTo must be a valid email address", ErrInvalidParams)
	}
	if strings.TrimSpace(p.TemplateAlias) == "" {
		return fmt.Errorf("%w: TemplateAlias is required", ErrInvalidParams)
	}
	return nil
}
