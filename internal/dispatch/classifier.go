package dispatch

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"modelcall/internal/services"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	TransientError
	ValidationFailure
	PermanentError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientError:
		return "transient"
	case ValidationFailure:
		return "validation"
	case PermanentError:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one attempt.
type Outcome struct {
	Kind    OutcomeKind
	Payload Response
	Cause   error
	// Raw is the rejected response text for validation failures.
	Raw  string
	Hint string
	// RetryAfter is a server-requested delay for transient failures.
	RetryAfter time.Duration
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

// Classify maps one attempt's result to an Outcome.
func Classify(resp Response, err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success, Payload: resp}
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		hint := validation.Hint
		if strings.TrimSpace(hint) == "" {
			hint = "Your previous answer was rejected: " + validation.Reason + "."
		}
		return Outcome{Kind: ValidationFailure, Cause: err, Raw: validation.Raw, Hint: hint}
	}
	if errors.Is(err, services.ErrValidation) {
		return Outcome{Kind: ValidationFailure, Cause: err}
	}
	if isTransient(err) {
		outcome := Outcome{Kind: TransientError, Cause: err}
		var ra retryAfterer
		if errors.As(err, &ra) {
			outcome.RetryAfter = ra.RetryAfter()
		}
		return outcome
	}
	return Outcome{Kind: PermanentError, Cause: err}
}

func isTransient(err error) bool {
	if errors.Is(err, services.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Action is the verdict for an attempt.
type Action int

const (
	Accept Action = iota
	RetryTransient
	RetryValidation
	Reject
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case RetryTransient:
		return "retry_transient"
	case RetryValidation:
		return "retry_validation"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision pairs an Action with the delay before a transient retry.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy bounds retries.
type Policy struct {
	MaxRetries           int
	ValidationMaxRetries int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
}

func policyFromOptions(opts Options) Policy {
	return Policy{
		MaxRetries:           opts.MaxRetries,
		ValidationMaxRetries: opts.ValidationMaxRetries,
		BaseDelay:            opts.RetryBaseDelay,
		MaxDelay:             opts.RetryMaxDelay,
	}
}

// Decide judges an outcome given the number of attempts completed so far,
// including the one that produced it. An item that keeps failing is rejected
// after MaxRetries+1 attempts.
func (p Policy) Decide(outcome Outcome, attempts int) Decision {
	switch outcome.Kind {
	case Success:
		return Decision{Action: Accept}
	case TransientError:
		if attempts > p.MaxRetries {
			return Decision{Action: Reject}
		}
		delay := p.Backoff(attempts)
		if outcome.RetryAfter > 0 {
			delay = p.capDelay(outcome.RetryAfter)
		}
		return Decision{Action: RetryTransient, Delay: delay}
	case ValidationFailure:
		bound := p.MaxRetries
		if p.ValidationMaxRetries >= 0 {
			bound = p.ValidationMaxRetries
		}
		if attempts > bound {
			return Decision{Action: Reject}
		}
		return Decision{Action: RetryValidation}
	case PermanentError:
		return Decision{Action: Reject}
	default:
		return Decision{Action: Reject}
	}
}

// Backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay > p.MaxDelay/2 {
			delay = p.MaxDelay
			break
		}
		delay *= 2
	}
	return p.capDelay(delay)
}

func (p Policy) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
