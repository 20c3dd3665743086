// Package registration reserves handles, links accounts to profiles and resolves handles
// for sign-in and search.
//
// Registration is a sequence of fallible steps with no rollback. A failure reports the step
// it happened in, so the window where a profile exists without its handle claim is visible
// to callers.
package registration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/identity"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

var (
	// ErrInvalidHandle is returned for handles that break the syntax rule. No I/O happens.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrHandleTaken is returned when the handle is reserved by someone else.
	ErrHandleTaken = errors.New("handle already taken")
	// ErrUnknownHandle is returned when no reservation exists for a handle.
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrProfileMissing is returned when a reservation points at a user without a profile.
	ErrProfileMissing = errors.New("profile missing for handle")
	// ErrSelf is returned by SearchByHandle when the handle is the caller's own.
	ErrSelf = errors.New("handle belongs to the signed-in user")
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_.]{3,20}$`)

// NormalizeHandle case-folds raw and checks it against the handle rule.
func NormalizeHandle(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if !handlePattern.MatchString(h) {
		return "", fmt.Errorf("%w: %q must be 3-20 characters of a-z, 0-9, _ or .", ErrInvalidHandle, raw)
	}
	return h, nil
}

// Step names a stage of Register, in execution order.
type Step int

const (
	StepValidating Step = iota
	StepReservingHandle
	StepCreatingCredential
	StepWritingProfile
	StepClaimingHandle
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepValidating:
		return "validating"
	case StepReservingHandle:
		return "reserving handle"
	case StepCreatingCredential:
		return "creating credential"
	case StepWritingProfile:
		return "writing profile"
	case StepClaimingHandle:
		return "claiming handle"
	case StepDone:
		return "done"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// StepError reports the step a registration attempt failed in. UserID is set once the
// credential exists.
type StepError struct {
	Step   Step
	UserID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("registration failed while %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step err stopped at, if it came from Register.
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return 0, false
}

// Service runs registration and handle resolution against a store and an identity
// provider.
type Service struct {
	store    remote.Store
	identity identity.Provider
	log      zerolog.Logger
}

// New returns a Service writing profiles and handle reservations to store.
func New(store remote.Store, ident identity.Provider) *Service {
	return &Service{
		store:    store,
		identity: ident,
		log:      log.With().Str("component", "registration").Logger(),
	}
}

// Result is a completed registration.
type Result struct {
	Session *identity.Session
	Profile model.UserProfile
}

// Register creates an account, its profile and the reservation for handle.
func (s *Service) Register(ctx context.Context, handle, contactAddress, secret string) (*Result, error) {
	step := StepValidating
	fail := func(userID string, err error) (*Result, error) {
		s.log.Debug().Err(err).Stringer("step", step).Str("handle", handle).Msg("registration aborted")
		return nil, &StepError{Step: step, UserID: userID, Err: err}
	}

	h, err := NormalizeHandle(handle)
	if err != nil {
		return fail("", err)
	}

	step = StepReservingHandle
	_, taken, err := s.store.Get(ctx, model.HandlePath(h))
	if err != nil {
		return fail("", err)
	}
	if taken {
		return fail("", fmt.Errorf("%w: %s", ErrHandleTaken, h))
	}

	step = StepCreatingCredential
	sess, err := s.identity.Register(ctx, contactAddress, secret)
	if err != nil {
		return fail("", err)
	}
	displayName := strings.TrimSpace(handle)
	if err := s.identity.SetDisplayName(ctx, sess, displayName); err != nil {
		return fail(sess.UserID, err)
	}
	sess.DisplayName = displayName

	step = StepWritingProfile
	profile := model.UserProfile{
		ID:               sess.UserID,
		DisplayName:      displayName,
		NormalizedHandle: h,
		ContactAddress:   sess.ContactAddress,
	}
	if err := s.store.Set(ctx, model.UserPath(sess.UserID), map[string]any{
		"id":               profile.ID,
		"displayName":      profile.DisplayName,
		"normalizedHandle": profile.NormalizedHandle,
		"contactAddress":   profile.ContactAddress,
		"createdAt":        remote.ServerTimestamp,
	}, remote.SetOptions{}); err != nil {
		return fail(sess.UserID, err)
	}

	step = StepClaimingHandle
	err = s.store.Set(ctx, model.HandlePath(h), model.HandleReservation{OwnerID: sess.UserID}, remote.SetOptions{FailIfExists: true})
	if errors.Is(err, remote.ErrAlreadyExists) {
		// Lost the race for h; the profile written above stays orphaned.
		return fail(sess.UserID, fmt.Errorf("%w: %w", ErrHandleTaken, err))
	}
	if err != nil {
		return fail(sess.UserID, err)
	}

	s.log.Info().Str("user_id", sess.UserID).Str("handle", h).Msg("registered")
	return &Result{Session: sess, Profile: profile}, nil
}

// SignIn authenticates with a contact address or a handle. Identifiers containing '@' are
// contact addresses; anything else is resolved as a handle first.
func (s *Service) SignIn(ctx context.Context, identifier, secret string) (*identity.Session, error) {
	identifier = strings.TrimSpace(identifier)
	address := identifier
	if !strings.Contains(identifier, "@") {
		profile, err := s.Resolve(ctx, identifier)
		if err != nil {
			return nil, err
		}
		address = profile.ContactAddress
	}
	return s.identity.Authenticate(ctx, address, secret)
}

// Resolve maps a handle to its owner's profile.
func (s *Service) Resolve(ctx context.Context, handle string) (model.UserProfile, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	rec, found, err := s.store.Get(ctx, model.HandlePath(h))
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("resolve handle %s: %w", h, err)
	}
	if !found {
		return model.UserProfile{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	var res model.HandleReservation
	if err := rec.Decode(&res); err != nil {
		return model.UserProfile{}, err
	}

	rec, found, err = s.store.Get(ctx, model.UserPath(res.OwnerID))
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("load profile %s: %w", res.OwnerID, err)
	}
	if !found {
		return model.UserProfile{}, fmt.Errorf("%w: %s", ErrProfileMissing, h)
	}
	var profile model.UserProfile
	if err := rec.Decode(&profile); err != nil {
		return model.UserProfile{}, err
	}
	if profile.ID == "" {
		profile.ID = res.OwnerID
	}
	return profile, nil
}

// SearchByHandle resolves handle for selfID, refusing the caller's own handle.
func (s *Service) SearchByHandle(ctx context.Context, selfID, handle string) (model.UserProfile, error) {
	profile, err := s.Resolve(ctx, handle)
	if err != nil {
		return model.UserProfile{}, err
	}
	if profile.ID == selfID {
		return model.UserProfile{}, ErrSelf
	}
	return profile, nil
}
