package wsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrValidation marks malformed local input. It is a caller bug and is never
// retried or reported as a provider failure.
var ErrValidation = errors.New("validation error")

// Scope says how much of the sync a failure affects.
type Scope string

const (
	ScopeAccount Scope = "account"
	ScopeService Scope = "service"
	ScopeItem    Scope = "item"
)

// Kind is a user-facing reason code.
type Kind string

const (
	// Account-level reasons.
	KindAuthorization  Kind = "auth"
	KindRenewPassword  Kind = "renew_password"
	KindLocked         Kind = "locked"
	KindAccountFull    Kind = "full"
	KindAccountExpired Kind = "expired"
	KindAccountUnpaid  Kind = "unpaid"

	// Item-level and operational reasons.
	KindFlow                  Kind = "flow"
	KindPrivate               Kind = "private"
	KindNoSupplier            Kind = "nosupplier"
	KindNotTriggered          Kind = "notrigger"
	KindDeferred              Kind = "deferred"
	KindPredatesWindow        Kind = "predates_window"
	KindRateLimited           Kind = "ratelimited"
	KindMissingCredentials    Kind = "credentials_missing"
	KindNotConfigured         Kind = "config_missing"
	KindStationaryUnsupported Kind = "stationary"
	KindNonGPSUnsupported     Kind = "nongps"
	KindTypeUnsupported       Kind = "type_unsupported"
	KindInsufficientData      Kind = "data_insufficient"
	KindDownload              Kind = "download"
	KindListing               Kind = "list"
	KindUpload                Kind = "upload"
	KindSanity                Kind = "sanity"
	KindCorrupt               Kind = "corrupt"
	KindUntagged              Kind = "untagged"
	KindLiveTracking          Kind = "live"
	KindUnknownTZ             Kind = "tz_unknown"
	KindSystem                Kind = "system"
	KindOther                 Kind = "other"
)

var kinds = map[Kind]bool{
	KindAuthorization: true, KindRenewPassword: true, KindLocked: true,
	KindAccountFull: true, KindAccountExpired: true, KindAccountUnpaid: true,
	KindFlow: true, KindPrivate: true, KindNoSupplier: true, KindNotTriggered: true,
	KindDeferred: true, KindPredatesWindow: true, KindRateLimited: true,
	KindMissingCredentials: true, KindNotConfigured: true, KindStationaryUnsupported: true,
	KindNonGPSUnsupported: true, KindTypeUnsupported: true, KindInsufficientData: true,
	KindDownload: true, KindListing: true, KindUpload: true, KindSanity: true,
	KindCorrupt: true, KindUntagged: true, KindLiveTracking: true, KindUnknownTZ: true,
	KindSystem: true, KindOther: true,
}

// ParseKind validates a reason code read back from storage.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !kinds[k] {
		return "", fmt.Errorf("%w: unknown reason code %q", ErrValidation, s)
	}
	return k, nil
}

// Reason is the user-facing side of a failure.
type Reason struct {
	Kind                 Kind
	InterventionRequired bool   // a human has to act before this clears
	ClearGroup           string // related reasons the user can dismiss together
}

// NewReason builds a Reason whose clear group defaults to the kind itself.
func NewReason(kind Kind, interventionRequired bool, clearGroup string) Reason {
	if clearGroup == "" {
		clearGroup = string(kind)
	}
	return Reason{Kind: kind, InterventionRequired: interventionRequired, ClearGroup: clearGroup}
}

// Error is a classified account- or service-level failure. It is the only
// error type that crosses into the sync controller's callers. Values are
// built by the constructors below and never mutated afterwards.
type Error struct {
	Kind                 Kind
	Scope                Scope
	Blocking             bool // suspend automated sync for the account until cleared
	InterventionRequired bool
	ClearGroup           string
	Message              string
	Err                  error

	// Service is the source or destination the failure came from, when known.
	Service string
}

func newError(kind Kind, scope Scope, blocking, intervention bool, msg string, err error) *Error {
	if blocking && scope == ScopeItem {
		panic("wsync: item-scoped errors cannot block")
	}
	return &Error{
		Kind:                 kind,
		Scope:                scope,
		Blocking:             blocking,
		InterventionRequired: intervention,
		ClearGroup:           string(kind),
		Message:              msg,
		Err:                  err,
	}
}

// AccountBlocked is a failure that needs new credentials or user action.
func AccountBlocked(kind Kind, msg string) *Error {
	return newError(kind, ScopeAccount, true, true, msg, nil)
}

// AccountError is an account-level failure that may clear by itself.
func AccountError(kind Kind, msg string, err error) *Error {
	return newError(kind, ScopeAccount, false, false, msg, err)
}

// ServiceBlocked suspends sync against a whole service.
func ServiceBlocked(kind Kind, msg string) *Error {
	return newError(kind, ScopeService, true, true, msg, nil)
}

// ServiceError is a transient provider failure; retrying on the next run is safe.
func ServiceError(kind Kind, msg string, err error) *Error {
	return newError(kind, ScopeService, false, false, msg, err)
}

// TransportError classifies an HTTP transport failure. Timeouts keep a
// distinct message so "provider is down" reads differently from a bad status.
func TransportError(kind Kind, op string, err error) *Error {
	if IsTimeout(err) {
		return ServiceError(KindSystem, op+": timeout", err)
	}
	return ServiceError(kind, op+": request failed", err)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s (%s/%s)", e.Message, e.Scope, e.Kind)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Reason returns the user-facing reason for this error.
func (e *Error) Reason() Reason {
	return NewReason(e.Kind, e.InterventionRequired, e.ClearGroup)
}

// Retryable reports whether the next scheduled run may simply try again.
func (e *Error) Retryable() bool {
	return !e.Blocking && e.Scope == ScopeService
}

// WithService returns a copy of e attributed to service. An error that
// already names its service is returned as is.
func (e *Error) WithService(service string) *Error {
	if e.Service != "" || service == "" {
		return e
	}
	c := *e
	c.Service = service
	return &c
}

// UserMessage is the text printed to the terminal for this error. The
// error's own Service, when set, overrides service.
func (e *Error) UserMessage(service string) string {
	if e.Service != "" {
		service = e.Service
	}
	switch {
	case e.Blocking && e.InterventionRequired:
		return fmt.Sprintf("%s: %s. Automated sync is suspended; fix the account and run `wsync setup %s` (or `wsync unblock %s`).",
			service, e.Message, service, service)
	case e.Retryable():
		return fmt.Sprintf("%s: %s. Nothing was changed; the same measurements will be retried on the next run.", service, e.Message)
	default:
		return fmt.Sprintf("%s: %s.", service, e.Message)
	}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsBlocking reports whether err carries a blocking *Error.
func IsBlocking(err error) bool {
	e, ok := AsError(err)
	return ok && e.Blocking
}

// Wrap converts any error into a *Error. Classified errors pass through
// unchanged; validation errors become non-retryable account errors;
// everything else becomes a transient service error of the given kind.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	if errors.Is(err, ErrValidation) {
		return AccountError(KindSanity, "invalid input", err)
	}
	return TransportError(kind, string(kind)+" failed", err)
}

// ExcludeError removes a single record from a sync batch without failing
// the batch. It is deliberately not an *Error: it is raised and handled per
// item.
type ExcludeError struct {
	ItemID    string
	Message   string
	Permanent bool // false means the item may become syncable later
	Reason    *Reason
}

// NewExclusion builds an ExcludeError.
func NewExclusion(itemID, msg string, permanent bool, reason *Reason) *ExcludeError {
	return &ExcludeError{ItemID: itemID, Message: msg, Permanent: permanent, Reason: reason}
}

func (e *ExcludeError) Error() string {
	return fmt.Sprintf("%s (item %s)", e.Message, e.ItemID)
}
