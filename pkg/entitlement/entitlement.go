package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/streamkit/pkg/billing"
)

// SubscriptionSource yields the subscription that governs a user's access.
// *billing.Service satisfies it.
type SubscriptionSource interface {
	CurrentSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error)
}

// Access is the resolved entitlement snapshot for one user at one moment.
// Playback and download services branch on it without touching billing state.
type Access struct {
	Subscribed bool           `json:"subscribed"`
	Status     billing.Status `json:"status,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	PlanName   string         `json:"plan_name,omitempty"`

	CanStream            bool                 `json:"can_stream"`
	CanDownload          bool                 `json:"can_download"`
	MaxQuality           billing.VideoQuality `json:"max_quality,omitempty"`
	MaxConcurrentStreams int                  `json:"max_concurrent_streams"`
	MaxProfiles          int                  `json:"max_profiles"`
	MaxDownloadDevices   int                  `json:"max_download_devices"`
	SupportsHDR          bool                 `json:"supports_hdr"`
	SupportsDolbyAtmos   bool                 `json:"supports_dolby_atmos"`

	TrialDaysLeft     int        `json:"trial_days_left,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
}

// QualityFor clamps a requested playback quality to what the plan allows.
// A plan capped below the request serves its own ceiling, not the floor: a
// FHD plan answering a UHD request streams FHD.
func (a Access) QualityFor(requested billing.VideoQuality) billing.VideoQuality {
	if !a.CanStream {
		return ""
	}
	ceiling := a.MaxQuality
	if ceiling == "" {
		ceiling = billing.QualityHD
	}
	return requested.AtMost(ceiling)
}

// Resolver answers entitlement questions from subscription state and plan
// reference data.
type Resolver struct {
	subs    SubscriptionSource
	catalog *billing.Catalog
	log     *slog.Logger
	now     func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// WithResolverClock injects a deterministic time source for tests.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver creates an entitlement resolver. Panics on nil required
// dependencies to fail fast during initialization.
func NewResolver(subs SubscriptionSource, catalog *billing.Catalog, opts ...ResolverOption) *Resolver {
	if subs == nil {
		panic("entitlement: SubscriptionSource is required")
	}
	if catalog == nil {
		panic("entitlement: billing.Catalog is required")
	}

	r := &Resolver{
		subs:    subs,
		catalog: catalog,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the access snapshot for a user. A user without any
// subscription gets a zero-access snapshot, not an error; infrastructure
// failures are errors.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (Access, error) {
	sub, err := r.subs.CurrentSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return Access{}, nil
		}
		return Access{}, err
	}

	now := r.now()
	access := Access{
		Subscribed:        true,
		Status:            sub.Status,
		PlanID:            sub.PlanID,
		CanStream:         sub.IsEntitled(now),
		TrialDaysLeft:     sub.TrialDaysRemainingAt(now),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		access.PeriodEnd = &end
	}

	plan, ok := r.catalog.Plan(sub.PlanID)
	if !ok {
		// A subscription referencing a retired plan keeps base streaming
		// access; limits fall back to the most restrictive tier.
		r.log.Warn("subscription references unknown plan",
			slog.String("plan_id", sub.PlanID),
			slog.String("provider_sub_id", sub.ProviderSubID))
		access.MaxQuality = billing.QualityHD
		access.MaxConcurrentStreams = 1
		access.MaxProfiles = 1
		return access, nil
	}

	access.PlanName = plan.Name
	access.MaxQuality = plan.MaxQuality
	access.MaxConcurrentStreams = plan.MaxConcurrentStreams
	access.MaxProfiles = plan.MaxProfiles
	access.SupportsHDR = plan.SupportsHDR
	access.SupportsDolbyAtmos = plan.SupportsDolbyAtmos
	access.CanDownload = access.CanStream && plan.AllowsDownloads
	if access.CanDownload {
		access.MaxDownloadDevices = plan.MaxDownloadDevices
	}
	return access, nil
}

// CanStream is a convenience wrapper for callers that only gate playback.
func (r *Resolver) CanStream(ctx context.Context, userID uuid.UUID) (bool, error) {
	access, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return access.CanStream, nil
}
