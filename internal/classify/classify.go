// Package classify maps transport failures to delivery actions.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"streamwatch/internal/transport"
)

type Action int

const (
	Unknown Action = iota
	Transient
	RateLimited
	PermanentBlock
	Redirect
	DropItem
)

func (a Action) String() string {
	switch a {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case PermanentBlock:
		return "permanent_block"
	case Redirect:
		return "redirect"
	case DropItem:
		return "drop_item"
	default:
		return "unknown"
	}
}

// Reason names the stale-reference pattern behind a DropItem verdict.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonEditNotFound    Reason = "message_to_edit_not_found"
	ReasonDeleteNotFound  Reason = "message_to_delete_not_found"
	ReasonNotModified     Reason = "message_not_modified"
	ReasonCantBeDeleted   Reason = "message_cant_be_deleted"
	ReasonChatUpgraded    Reason = "chat_upgraded"
	ReasonDestinationGone Reason = "destination_gone"
	ReasonForbidden       Reason = "forbidden"
	ReasonInvalidPeer     Reason = "invalid_peer"
	ReasonNetwork         Reason = "network"
	ReasonServer          Reason = "server_error"
	ReasonTooManyRequests Reason = "too_many_requests"
	ReasonMigrated        Reason = "migrated"
	ReasonUnclassified    Reason = "unclassified"
)

const (
	// DefaultBackoff suppresses a chat after a generic delivery failure.
	DefaultBackoff = 5 * time.Minute
	// InvalidPeerBackoff is used when the peer id is reported invalid.
	InvalidPeerBackoff = 6 * time.Hour
)

// Verdict is the outcome of classifying one failure.
type Verdict struct {
	Action     Action
	Reason     Reason
	MigrateTo  int64
	RetryAfter time.Duration
	// Backoff is how long the chat should be left alone after this failure.
	Backoff time.Duration
}

// Classify maps err to a Verdict. A nil error yields the zero Verdict.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{}
	}

	te, ok := transport.AsError(err)
	if !ok {
		if isNetworkError(err) {
			return Verdict{Action: Transient, Reason: ReasonNetwork, Backoff: DefaultBackoff}
		}
		return Verdict{Action: Unknown, Reason: ReasonUnclassified, Backoff: DefaultBackoff}
	}

	desc := te.Description
	status := te.Status()

	if status == 403 {
		return Verdict{Action: PermanentBlock, Reason: ReasonForbidden}
	}
	if r, hit := match(blockRules, desc); hit {
		return Verdict{Action: PermanentBlock, Reason: r.reason}
	}

	if te.MigrateToID != 0 {
		return Verdict{Action: Redirect, Reason: ReasonMigrated, MigrateTo: te.MigrateToID}
	}

	if r, hit := match(staleRules, desc); hit {
		return Verdict{Action: DropItem, Reason: r.reason}
	}

	if status == 429 {
		backoff := DefaultBackoff
		if te.RetryAfter > backoff {
			backoff = te.RetryAfter
		}
		return Verdict{Action: RateLimited, Reason: ReasonTooManyRequests, RetryAfter: te.RetryAfter, Backoff: backoff}
	}
	if r, hit := match(transientRules, desc); hit {
		return Verdict{Action: Transient, Reason: r.reason, Backoff: backoffFor(r.reason)}
	}
	if status >= 500 && status <= 599 {
		return Verdict{Action: Transient, Reason: ReasonServer, Backoff: DefaultBackoff}
	}

	return Verdict{Action: Unknown, Reason: ReasonUnclassified, Backoff: DefaultBackoff}
}

// BackoffFor returns how long a chat is suppressed after err.
func BackoffFor(err error) time.Duration {
	if err == nil {
		return 0
	}
	if te, ok := transport.AsError(err); ok {
		if r, hit := match(transientRules, te.Description); hit {
			return backoffFor(r.reason)
		}
	} else if reInvalidPeer.MatchString(err.Error()) {
		return InvalidPeerBackoff
	}
	return DefaultBackoff
}

func backoffFor(r Reason) time.Duration {
	if r == ReasonInvalidPeer {
		return InvalidPeerBackoff
	}
	return DefaultBackoff
}

// IsTransient reports whether a retry of the same call may succeed.
func IsTransient(err error) bool {
	switch Classify(err).Action {
	case Transient, RateLimited:
		return true
	default:
		return false
	}
}

func match(rules []rule, desc string) (rule, bool) {
	if desc == "" {
		return rule{}, false
	}
	for _, r := range rules {
		if r.re.MatchString(desc) {
			return r, true
		}
	}
	return rule{}, false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout")
}

var reInvalidPeer = regexp.MustCompile(`PEER_ID_INVALID`)
