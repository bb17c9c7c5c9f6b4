// Package authn validates the credentials on an inbound request against the token provider and
// the session store, and is the only component transports call.
package authn

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sessionguard/internal/activity"
	"sessionguard/internal/audit"
	auditdomain "sessionguard/internal/audit/domain"
	"sessionguard/internal/cleanup"
	"sessionguard/internal/identity/service"
	"sessionguard/internal/monitor"
	"sessionguard/internal/ratelimit"
	"sessionguard/internal/security"
	sessiondomain "sessionguard/internal/session/domain"
	sessionrepo "sessionguard/internal/session/repository"
	"sessionguard/internal/telemetry"
	telemetrydomain "sessionguard/internal/telemetry/domain"
)

// State is where a request ended up in the validation pipeline.
type State string

const (
	StateNoCredential      State = "NoCredential"
	StateCredentialPresent State = "CredentialPresent"
	StateValid             State = "Valid"
	StateExpired           State = "Expired"
	StateInvalid           State = "Invalid"
	StateSessionFound      State = "SessionFound"
	StateSessionMissing    State = "SessionMissing"
	StateAuthorized        State = "Authorized"
	StateUnauthorized      State = "Unauthorized"
	StateAnonymous         State = "Anonymous"
)

// Source names the transport channel a credential was read from.
type Source string

const (
	SourceBearer Source = "bearer"
	SourceCookie Source = "cookie"
	SourceHeader Source = "header"
	SourceQuery  Source = "query"
)

// Request is what a transport extracted from one inbound call.
type Request struct {
	AccessToken   string
	AccessSource  Source
	RefreshToken  string
	RefreshSource Source
	IPAddress     string
	UserAgent     string
	Method        string
	Path          string
}

// Advisories are response annotations the transport renders as headers or metadata.
type Advisories struct {
	RefreshRequired bool
	ExpiresIn       time.Duration
	NewAccessToken  string
	NewRefreshToken string
	// NewRefreshExpiresAt is set with NewRefreshToken so cookie transports can age the cookie.
	NewRefreshExpiresAt time.Time
	RateLimit           *ratelimit.Decision
	Suspicious          []monitor.Flag
}

// Result is the outcome of Validate. On failure it still carries any advisories gathered
// before the rejection, such as rate-limit counters.
type Result struct {
	State      State
	Principal  *Principal
	Advisories Advisories
	StartedAt  time.Time
}

// Rotator exchanges a refresh token for a new credential pair.
type Rotator interface {
	RotateTokens(ctx context.Context, refreshToken string) (*service.AuthResult, error)
}

// Options are the pipeline switches.
type Options struct {
	AutoRefresh bool
	// RefreshThreshold is how close to expiry an access token must be to get a refresh-required advisory.
	RefreshThreshold    time.Duration
	TrackActivity       bool
	RequireValidSession bool
	RateLimitFailOpen   bool
	// StoreTimeout bounds each store call made on the request path. Zero leaves the request deadline alone.
	StoreTimeout time.Duration
}

// Deps are the collaborators of a Validator. Tokens and Sessions are required.
type Deps struct {
	Tokens   *security.TokenProvider
	Sessions sessionrepo.Repository
	Rotator  Rotator
	Limiter  *ratelimit.Limiter
	Monitor  *monitor.Monitor
	Tracker  *activity.Tracker
	Cleanup  *cleanup.Scheduler
	Audit    audit.AuditLogger
	Emitter  telemetry.EventEmitter
	Metrics  *Metrics
	Logger   zerolog.Logger
	Clock    func() time.Time
}

// Validator runs the per-request pipeline. It holds no per-request state.
type Validator struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	tracer trace.Tracer
}

// ErrMissingDependency is returned by NewValidator when Tokens or Sessions is nil.
var ErrMissingDependency = errors.New("authn: token provider and session store are required")

func NewValidator(deps Deps, opts Options) (*Validator, error) {
	if deps.Tokens == nil || deps.Sessions == nil {
		return nil, ErrMissingDependency
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New(monitor.DefaultRapidThreshold)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Validator{deps: deps, opts: opts, now: now, tracer: otel.Tracer("sessionguard/authn")}, nil
}

// Options returns the pipeline switches the validator was built with.
func (v *Validator) Options() Options { return v.opts }

// Validate authenticates req. It returns a Result with State Authorized (Principal set) or
// Anonymous (fail-open pass-through), or a Result plus an *Error describing the rejection.
func (v *Validator) Validate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "authn.Validate", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	res := &Result{StartedAt: v.now(), State: StateNoCredential}
	if v.deps.Cleanup != nil {
		v.deps.Cleanup.MaybeRun()
	}

	res, err := v.validate(ctx, req, res)
	elapsed := v.now().Sub(res.StartedAt).Seconds()
	span.SetAttributes(attribute.String("authn.state", string(res.State)))
	var aerr *Error
	if errors.As(err, &aerr) {
		span.SetStatus(codes.Error, string(aerr.Code))
		v.deps.Metrics.decision("rejected", aerr.Code, elapsed)
		ev := v.deps.Logger.Info()
		if aerr.Code == CodeStoreUnavailable || aerr.Code == CodeInternal {
			ev = v.deps.Logger.Error()
		}
		ev.Err(aerr.Err).Str("code", string(aerr.Code)).Str("path", req.Path).Str("ip", req.IPAddress).Msg("authn: request rejected")
		return res, aerr
	}
	if res.Principal != nil {
		span.SetAttributes(attribute.String("session.id", res.Principal.SessionID))
	}
	v.deps.Metrics.decision(string(res.State), "", elapsed)
	return res, nil
}

func (v *Validator) validate(ctx context.Context, req Request, res *Result) (*Result, error) {
	if req.AccessToken == "" {
		if v.opts.RequireValidSession {
			return v.reject(res, NewError(CodeCredentialMissing, nil))
		}
		res.State = StateAnonymous
		return res, nil
	}
	res.State = StateCredentialPresent

	claims, err := v.deps.Tokens.ValidateAccess(req.AccessToken)
	switch {
	case err == nil:
		res.State = StateValid
	case errors.Is(err, security.ErrTokenExpired):
		res.State = StateExpired
		if !v.opts.AutoRefresh || req.RefreshToken == "" || v.deps.Rotator == nil {
			return v.failOpen(res, NewError(CodeTokenExpired, err))
		}
		rotated, rerr := v.rotate(ctx, req, claims)
		if rerr != nil {
			if rerr.Code == CodeStoreUnavailable {
				return v.failOpen(res, rerr)
			}
			return v.reject(res, rerr)
		}
		claims = rotated.Access
		res.Advisories.NewAccessToken = rotated.AccessToken
		res.Advisories.NewRefreshToken = rotated.RefreshToken
		res.Advisories.NewRefreshExpiresAt = rotated.Refresh.ExpiresAt.Time
		res.State = StateValid
	default:
		res.State = StateInvalid
		return v.failOpen(res, NewError(CodeTokenInvalid, err))
	}

	sess, aerr := v.loadSession(ctx, claims)
	if aerr != nil {
		if aerr.Code == CodeStoreUnavailable {
			return v.failOpen(res, aerr)
		}
		res.State = StateSessionMissing
		return v.reject(res, aerr)
	}
	res.State = StateSessionFound

	now := v.now()
	if flags := v.deps.Monitor.Inspect(sess, monitor.Observation{IPAddress: req.IPAddress, UserAgent: req.UserAgent, At: now}); len(flags) > 0 {
		res.Advisories.Suspicious = flags
		v.flagSuspicious(ctx, sess, req, flags)
	}

	if v.deps.Limiter != nil {
		sctx, cancel := v.storeContext(ctx)
		d, err := v.deps.Limiter.Allow(sctx, sess.ID)
		cancel()
		switch {
		case err != nil && v.opts.RateLimitFailOpen:
			v.deps.Logger.Error().Err(err).Str("session_id", sess.ID).Msg("authn: rate limiter unavailable, continuing without limit")
		case err != nil:
			return v.reject(res, NewError(CodeStoreUnavailable, err))
		case !d.Allowed:
			res.Advisories.RateLimit = &d
			v.deps.Metrics.rateLimited()
			v.record(ctx, sess.UserID, sess.ID, auditdomain.ActionRateLimited, map[string]any{"limit": d.Limit, "reset_at": d.ResetAt})
			e := NewError(CodeRateLimitExceeded, nil)
			e.RetryAfter = d.RetryAfter
			return v.reject(res, e)
		default:
			res.Advisories.RateLimit = &d
		}
	}

	res.Advisories.ExpiresIn = claims.ExpiresIn(now)
	if v.opts.RefreshThreshold > 0 && res.Advisories.ExpiresIn <= v.opts.RefreshThreshold {
		res.Advisories.RefreshRequired = true
	}

	res.State = StateAuthorized
	res.Principal = &Principal{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Scope:     claims.Scope,
		SessionID: sess.ID,
		Claims:    claims,
		Session:   sess,
	}
	return res, nil
}

// rotate performs a silent refresh for an expired access token. The refresh token must belong
// to the same session as the expired access token.
func (v *Validator) rotate(ctx context.Context, req Request, expired *security.AccessClaims) (*service.AuthResult, *Error) {
	rc, err := v.deps.Tokens.ValidateRefresh(req.RefreshToken)
	if err != nil {
		return nil, NewError(CodeTokenExpired, err)
	}
	if expired == nil || rc.SessionID != expired.SessionID || rc.Subject != expired.Subject {
		return nil, NewError(CodeTokenInvalid, errors.New("refresh token belongs to another session"))
	}

	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	rotated, err := v.deps.Rotator.RotateTokens(sctx, req.RefreshToken)
	if err != nil {
		e := RotationError(err)
		if e.Code == CodeCompromisedFamily {
			v.deps.Metrics.reused()
		}
		return nil, e
	}
	v.deps.Metrics.rotated()
	return rotated, nil
}

// RotationError classifies an error returned by a Rotator. Refresh tokens the service
// refuses are reported as an expired session so the client signs in again.
func RotationError(err error) *Error {
	switch {
	case errors.Is(err, service.ErrCompromisedFamily):
		return NewError(CodeCompromisedFamily, err)
	case errors.Is(err, service.ErrSessionRevoked):
		return NewError(CodeSessionRevoked, err)
	case errors.Is(err, service.ErrSessionMissing):
		return NewError(CodeSessionMissing, err)
	case errors.Is(err, service.ErrInvalidRefreshToken):
		return NewError(CodeTokenExpired, err)
	default:
		return NewError(CodeStoreUnavailable, err)
	}
}

func (v *Validator) loadSession(ctx context.Context, claims *security.AccessClaims) (*sessiondomain.Session, *Error) {
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	sess, err := v.deps.Sessions.Get(sctx, claims.SessionID)
	switch {
	case errors.Is(err, sessionrepo.ErrRevoked):
		return nil, NewError(CodeSessionRevoked, err)
	case err != nil:
		return nil, NewError(CodeStoreUnavailable, err)
	case sess == nil:
		return nil, NewError(CodeSessionMissing, nil)
	case sess.UserID != claims.Subject:
		return nil, NewError(CodeTokenInvalid, errors.New("session belongs to another user"))
	}
	return sess, nil
}

// flagSuspicious persists the flag and records the anomaly. None of it blocks the request.
func (v *Validator) flagSuspicious(ctx context.Context, sess *sessiondomain.Session, req Request, flags []monitor.Flag) {
	joined := monitor.Join(flags)
	v.deps.Logger.Warn().
		Str("session_id", sess.ID).
		Str("user_id", sess.UserID).
		Str("flags", joined).
		Str("ip", req.IPAddress).
		Str("stored_ip", sess.IPAddress).
		Msg("authn: suspicious session activity")
	for _, f := range flags {
		v.deps.Metrics.anomaly(string(f))
	}

	if !sess.Suspicious {
		suspicious := true
		sctx, cancel := v.storeContext(ctx)
		err := v.deps.Sessions.Update(sctx, sess.ID, sessiondomain.Patch{Suspicious: &suspicious})
		cancel()
		if err != nil {
			v.deps.Logger.Error().Err(err).Str("session_id", sess.ID).Msg("authn: failed to persist suspicious flag")
		} else {
			sess.Suspicious = true
		}
	}

	meta := map[string]any{"flags": flags, "ip": req.IPAddress, "user_agent": req.UserAgent}
	v.record(ctx, sess.UserID, sess.ID, auditdomain.ActionAnomaly, meta)
	if v.deps.Emitter != nil {
		body, _ := json.Marshal(meta)
		telemetry.EmitAsync(v.deps.Emitter, v.deps.Logger, &telemetrydomain.Event{
			UserID:    sess.UserID,
			SessionID: sess.ID,
			EventType: telemetrydomain.EventSessionAnomaly,
			Source:    "authn",
			Metadata:  body,
			CreatedAt: v.now().UTC(),
		})
	}
}

// failOpen continues anonymously when the deployment allows it, else rejects with e.
func (v *Validator) failOpen(res *Result, e *Error) (*Result, error) {
	if v.opts.RequireValidSession {
		return v.reject(res, e)
	}
	if e.Code == CodeStoreUnavailable {
		v.deps.Logger.Error().Err(e.Err).Msg("authn: session store unavailable, continuing unauthenticated")
	}
	res.State = StateAnonymous
	return res, nil
}

func (v *Validator) reject(res *Result, e *Error) (*Result, error) {
	res.Principal = nil
	if res.State != StateSessionMissing {
		res.State = StateUnauthorized
	}
	return res, e
}

func (v *Validator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.opts.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, v.opts.StoreTimeout)
}

func (v *Validator) record(ctx context.Context, userID, sessionID, action string, meta map[string]any) {
	if v.deps.Audit == nil {
		return
	}
	body, err := json.Marshal(meta)
	if err != nil {
		body = nil
	}
	v.deps.Audit.LogEvent(ctx, userID, sessionID, action, string(body))
}

// Completion describes the finished response.
type Completion struct {
	Status   int
	Duration time.Duration
}

// Complete runs post-response work for a request validated by Validate: activity tracking and
// slow-request reporting. It returns immediately; the work happens on a background goroutine.
func (v *Validator) Complete(req Request, res *Result, c Completion) {
	if !v.opts.TrackActivity || v.deps.Tracker == nil || res == nil {
		return
	}
	visit := activity.Visit{
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Method:    req.Method,
		Path:      req.Path,
		Status:    c.Status,
		StartedAt: res.StartedAt,
		Duration:  c.Duration,
	}
	if res.Principal != nil {
		visit.SessionID = res.Principal.SessionID
		visit.UserID = res.Principal.UserID
	}
	v.deps.Tracker.TrackAsync(visit)
}

// Wait blocks until background activity updates, audit writes and cleanup sweeps have finished.
func (v *Validator) Wait() {
	if v.deps.Tracker != nil {
		v.deps.Tracker.Wait()
	}
	if w, ok := v.deps.Audit.(interface{ Wait() }); ok {
		w.Wait()
	}
	if v.deps.Cleanup != nil {
		v.deps.Cleanup.Wait()
	}
}
