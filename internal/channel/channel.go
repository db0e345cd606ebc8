package channel

import (
	"context"
	"fmt"
	"time"
)

// Recipient is an opaque delivery target identifier. The engine never
// interprets it; the channel adapter decides what it means (for Telegram,
// a numeric chat id).
type Recipient string

// Media attaches a file to a payload by channel file id.
type Media struct {
	Type    string `json:"type"` // "photo", "video", "document"
	FileID  string `json:"file_id"`
	Caption string `json:"caption,omitempty"` // falls back to Payload.Text when empty
}

// Payload is the rendered campaign message, fixed at job creation.
type Payload struct {
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`

	Media *Media `json:"media,omitempty"`
}

// Outcome is the classified result of one send attempt.
type Outcome int

const (
	// Success: the channel acknowledged the message.
	Success Outcome = iota
	// Transient: network/server trouble; the attempt may be retried.
	Transient
	// Permanent: the recipient is unreachable for good (blocked the bot,
	// deactivated account). Never retried.
	Permanent
	// RateLimited: flood control. Not a failure; the recipient is retried in
	// a later pass and the hint (if any) drives a pool-wide cooldown.
	RateLimited
	// Systemic: the channel rejects the caller itself (bad token). No
	// recipient can be reached; the whole job must abort.
	Systemic
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	case Systemic:
		return "systemic"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the tagged variant returned by Sender.Send. Classification
// happens once, inside the adapter; the dispatch loop switches on Kind and
// never inspects raw channel errors.
type Result struct {
	Kind Outcome

	// RetryAfter carries the channel's explicit wait hint for RateLimited
	// (and occasionally Transient) results. Zero means "no hint".
	RetryAfter time.Duration

	// ErrKind names the failure class for Permanent/Systemic results
	// ("blocked", "deactivated", "unauthorized", ...). Stored in the ledger.
	ErrKind string

	Err error
}

// Sender is the external channel contract consumed by the dispatch pool.
type Sender interface {
	Send(ctx context.Context, to Recipient, p Payload) Result
}
