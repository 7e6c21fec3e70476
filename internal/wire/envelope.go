package wire

import (
	"errors"
	"fmt"

	"job-dispatch/internal/domain"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Failure kinds carried across the wire so callers can still branch on them.
const (
	kindCancelled = "cancelled"
)

// Invocation asks a worker to run one job.
type Invocation struct {
	Token string         `cbor:"token"`
	Job   string         `cbor:"job"`
	Args  map[string]any `cbor:"args,omitempty"`
}

// result is the wire form of domain.Outcome.
type result struct {
	Status string `cbor:"status"`
	Value  any    `cbor:"value"`
	Reason string `cbor:"reason,omitempty"`
	Kind   string `cbor:"kind,omitempty"`
}

// EncodeInvocation wraps inv for transport.
func (c *Codec) EncodeInvocation(inv Invocation) (*wrapperspb.BytesValue, error) {
	b, err := c.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invocation %s: %w", inv.Job, err)
	}
	return wrapperspb.Bytes(b), nil
}

// DecodeInvocation unwraps an invocation received from the master.
func (c *Codec) DecodeInvocation(msg *wrapperspb.BytesValue) (Invocation, error) {
	var inv Invocation
	if err := c.Unmarshal(msg.GetValue(), &inv); err != nil {
		return Invocation{}, fmt.Errorf("decode invocation: %w", err)
	}
	if inv.Job == "" {
		return Invocation{}, errors.New("decode invocation: missing job name")
	}
	return inv, nil
}

// EncodeOutcome wraps a terminal outcome for transport.
func (c *Codec) EncodeOutcome(o domain.Outcome) (*wrapperspb.BytesValue, error) {
	r := result{Status: string(o.Status), Value: o.Value, Reason: o.Reason}
	if errors.Is(o.Err(), domain.ErrCancelled) {
		r.Kind = kindCancelled
	}
	b, err := c.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	return wrapperspb.Bytes(b), nil
}

// DecodeOutcome unwraps an outcome received from a worker.
func (c *Codec) DecodeOutcome(msg *wrapperspb.BytesValue) (domain.Outcome, error) {
	var r result
	if err := c.Unmarshal(msg.GetValue(), &r); err != nil {
		return domain.Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}

	switch domain.Status(r.Status) {
	case domain.StatusSuccess:
		return domain.Succeeded(r.Value), nil
	case domain.StatusFailure:
		var kind error
		if r.Kind == kindCancelled {
			kind = domain.ErrCancelled
		}
		return domain.Restore(r.Reason, kind), nil
	default:
		return domain.Outcome{}, fmt.Errorf("decode outcome: unexpected status %q", r.Status)
	}
}
