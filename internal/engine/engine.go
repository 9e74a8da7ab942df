// Package engine implements the proximity clustering decision machine: given
// a user's location report it decides whether to create, join, or leave a
// ripple, or simply list the ripples nearby.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wave-social/ripple/internal/geo"
	"github.com/wave-social/ripple/internal/observability"
	"github.com/wave-social/ripple/internal/presence"
	"github.com/wave-social/ripple/internal/ripple"
)

// Decision is the outcome kind of a location report.
type Decision string

const (
	DecisionList             Decision = "list"
	DecisionLeft             Decision = "left"
	DecisionAlreadyMember    Decision = "alreadyMember"
	DecisionCreated          Decision = "created"
	DecisionNearButNotJoined Decision = "nearButNotJoined"
	DecisionJoined           Decision = "joined"
	DecisionNone             Decision = "none"
)

// Result is returned to the caller for every location report.
type Result struct {
	Decision      Decision        `json:"decision"`
	RippleID      string          `json:"rippleId,omitempty"`
	NearbyRipples []ripple.Ripple `json:"nearbyRipples"`
}

// Config holds the engine's distance and freshness thresholds.
type Config struct {
	// NearbyRadiusMeters bounds the ripple list returned with every decision.
	NearbyRadiusMeters float64

	// FormRadiusMeters gathers formation candidates around the reporter.
	FormRadiusMeters float64

	// LeaveRadiusMeters is how far a member may drift from the origin before
	// being removed. It also bounds the proximity-notification band.
	LeaveRadiusMeters float64

	// JoinRadiusMeters is how close a non-member must be to an origin to be
	// auto-joined. Product has not settled on a final value; keep it a
	// configuration knob, not a constant.
	JoinRadiusMeters float64

	// FreshnessWindow is the maximum presence age counted toward formation.
	FreshnessWindow time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		NearbyRadiusMeters: 5000,
		FormRadiusMeters:   30,
		LeaveRadiusMeters:  150,
		JoinRadiusMeters:   200,
		FreshnessWindow:    10 * time.Minute,
	}
}

// Engine evaluates location reports against the presence and ripple stores.
// Stores are injected; the engine holds no state beyond the per-user locks
// that serialize each user's check-then-mutate sequence.
type Engine struct {
	presences presence.Store
	ripples   ripple.Store
	cfg       Config
	users     *keyMutex
	metrics   *observability.Collector
}

// New builds an Engine. metrics may be nil.
func New(presences presence.Store, ripples ripple.Store, cfg Config, metrics *observability.Collector) *Engine {
	return &Engine{
		presences: presences,
		ripples:   ripples,
		cfg:       cfg,
		users:     newKeyMutex(0),
		metrics:   metrics,
	}
}

// ReportLocation is the engine's entire public surface. It records the
// user's presence, applies the decision rules in strict order, and returns
// the decision together with the ripples within the nearby radius.
//
// Any store failure aborts the whole decision; nothing is retried here.
func (e *Engine) ReportLocation(ctx context.Context, userID string, loc geo.Coordinate, partyMode bool, now time.Time) (*Result, error) {
	// Per-user serialization: between concluding "not a member" and the
	// insert or join that follows, no other report for the same user may
	// interleave.
	unlock := e.users.Lock(userID)
	defer unlock()

	start := time.Now()
	res, err := e.decide(ctx, userID, loc, partyMode, now)
	e.metrics.ObserveReport(time.Since(start))
	if err != nil {
		return nil, err
	}
	e.metrics.RecordDecision(string(res.Decision))
	return res, nil
}

func (e *Engine) decide(ctx context.Context, userID string, loc geo.Coordinate, partyMode bool, now time.Time) (*Result, error) {
	if err := e.presences.Upsert(ctx, userID, loc, now); err != nil {
		return nil, err
	}

	nearby, err := e.ripples.FindWithinRadius(ctx, loc, e.cfg.NearbyRadiusMeters)
	if err != nil {
		return nil, err
	}

	if !partyMode {
		return &Result{Decision: DecisionList, NearbyRipples: nearby}, nil
	}

	// Rule 1: existing membership takes precedence over forming or joining.
	current, err := e.ripples.FindByMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if geo.DistanceMeters(loc, current.Origin) > e.cfg.LeaveRadiusMeters {
			count, err := e.ripples.RemoveMember(ctx, current.ID, userID)
			if err != nil {
				return nil, err
			}
			if count == 0 {
				zap.L().Info("ripple dissolved after departure",
					zap.String("ripple_id", current.ID),
					zap.String("user_id", userID),
				)
			}
			return &Result{Decision: DecisionLeft, NearbyRipples: nearby}, nil
		}
		return &Result{Decision: DecisionAlreadyMember, RippleID: current.ID, NearbyRipples: nearby}, nil
	}

	// Rule 2: formation. The reporter's own fresh presence is part of the
	// candidate query; users already in a ripple are excluded so a single
	// user never ends up in two.
	candidates, err := e.presences.FindWithinRadius(ctx, loc, e.cfg.FormRadiusMeters, now.Add(-e.cfg.FreshnessWindow))
	if err != nil {
		return nil, err
	}
	founders, err := e.unaffiliated(ctx, userID, candidates)
	if err != nil {
		return nil, err
	}
	if len(founders) >= ripple.MinMembers {
		points := make([]geo.Coordinate, len(founders))
		memberIDs := make([]string, len(founders))
		for i, f := range founders {
			points[i] = f.Location
			memberIDs[i] = f.UserID
		}
		origin, err := geo.Centroid(points)
		if err != nil {
			return nil, err
		}
		rippleID, err := e.ripples.Insert(ctx, origin, memberIDs)
		if err != nil {
			return nil, err
		}
		zap.L().Info("ripple created",
			zap.String("ripple_id", rippleID),
			zap.Int("members", len(memberIDs)),
		)
		return &Result{Decision: DecisionCreated, RippleID: rippleID, NearbyRipples: nearby}, nil
	}

	// Rule 3: inside the leave band the user is told about the ripple but
	// not auto-joined.
	for _, r := range nearby {
		if geo.DistanceMeters(loc, r.Origin) <= e.cfg.LeaveRadiusMeters {
			return &Result{Decision: DecisionNearButNotJoined, NearbyRipples: nearby}, nil
		}
	}

	// Rule 4: join the closest ripple within the join radius. The nearby
	// list arrives nearest-first, which makes the pick deterministic.
	for _, r := range nearby {
		if geo.DistanceMeters(loc, r.Origin) <= e.cfg.JoinRadiusMeters {
			if err := e.ripples.AddMember(ctx, r.ID, userID); err != nil {
				return nil, err
			}
			return &Result{Decision: DecisionJoined, RippleID: r.ID, NearbyRipples: nearby}, nil
		}
	}

	return &Result{Decision: DecisionNone, NearbyRipples: nearby}, nil
}

// unaffiliated filters formation candidates down to users not already in a
// ripple. The reporter was just verified unaffiliated under its own lock, so
// it is kept without a store round-trip.
func (e *Engine) unaffiliated(ctx context.Context, reporter string, candidates []presence.Presence) ([]presence.Presence, error) {
	others := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID != reporter {
			others = append(others, c.UserID)
		}
	}
	if len(others) == 0 {
		return candidates, nil
	}

	taken, err := e.ripples.AffiliatedMembers(ctx, others)
	if err != nil {
		return nil, err
	}

	founders := make([]presence.Presence, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID == reporter || !taken[c.UserID] {
			founders = append(founders, c)
		}
	}
	return founders, nil
}
