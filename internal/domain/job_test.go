package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAddDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "add",
		Params: []Param{{Name: "x", Kind: KindNumber}, {Name: "y", Kind: KindNumber}},
		Compute: func(ctx context.Context, args Args) (any, error) {
			return args.Number("x") + args.Number("y"), nil
		},
	}
}

func TestBindCoercesNumbers(t *testing.T) {
	d := newAddDescriptor()

	bound, err := d.Bind(Args{"x": 2, "y": json.Number("3.5")})
	require.NoError(t, err)
	assert.Equal(t, 2.0, bound.Number("x"))
	assert.Equal(t, 3.5, bound.Number("y"))
}

func TestBindRejectsNonNumeric(t *testing.T) {
	d := newAddDescriptor()

	for _, v := range []any{"3", true, []byte("1"), map[string]any{}} {
		_, err := d.Bind(Args{"x": v, "y": 1})
		assert.ErrorIs(t, err, ErrInvalidArguments, "value %#v", v)
	}
}

func TestBindMissingAndUnexpectedArguments(t *testing.T) {
	d := newAddDescriptor()

	_, err := d.Bind(Args{"x": 1})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = d.Bind(Args{"x": 1, "y": nil})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = d.Bind(Args{"x": 1, "y": 2, "z": 3})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestBindIntegers(t *testing.T) {
	d := &Descriptor{
		Name:    "square",
		Params:  []Param{{Name: "n", Kind: KindInt}},
		Compute: func(ctx context.Context, args Args) (any, error) { return args.Int("n") * args.Int("n"), nil },
	}

	bound, err := d.Bind(Args{"n": 4.0})
	require.NoError(t, err)
	assert.Equal(t, int64(4), bound.Int("n"))

	bound, err = d.Bind(Args{"n": uint64(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), bound.Int("n"))

	bound, err = d.Bind(Args{"n": json.Number("12")})
	require.NoError(t, err)
	assert.Equal(t, int64(12), bound.Int("n"))

	_, err = d.Bind(Args{"n": 4.5})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = d.Bind(Args{"n": json.Number("4.5")})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	for _, raw := range []json.Number{"100", "100.0", "1e2"} {
		bound, err = d.Bind(Args{"n": raw})
		require.NoError(t, err, "n=%s", raw)
		assert.Equal(t, int64(100), bound.Int("n"), "n=%s", raw)
	}
	bound, err = d.Bind(Args{"n": 100.0})
	require.NoError(t, err)
	assert.Equal(t, int64(100), bound.Int("n"))

	_, err = d.Bind(Args{"n": json.Number("1e400")})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestBindRunsCheck(t *testing.T) {
	d := &Descriptor{
		Name:   "positive",
		Params: []Param{{Name: "n", Kind: KindInt}},
		Check: func(args Args) error {
			if args.Int("n") <= 0 {
				return fmt.Errorf("%w: n must be positive", ErrDomain)
			}
			return nil
		},
		Compute: func(ctx context.Context, args Args) (any, error) { return nil, nil },
	}

	_, err := d.Bind(Args{"n": -1})
	assert.ErrorIs(t, err, ErrDomain)
}

func TestDescriptorValidate(t *testing.T) {
	assert.NoError(t, newAddDescriptor().Validate())
	assert.Error(t, (&Descriptor{Name: "x"}).Validate())
	assert.Error(t, (&Descriptor{Compute: newAddDescriptor().Compute}).Validate())

	bad := newAddDescriptor()
	bad.Params = []Param{{Name: "x", Kind: "string"}}
	assert.Error(t, bad.Validate())
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, Succeeded(1).Err())
	assert.NoError(t, Pending().Err())
	assert.False(t, Pending().IsTerminal())

	cause := errors.New("boom")
	o := Failed(cause)
	assert.True(t, o.IsTerminal())
	assert.Equal(t, "boom", o.Reason)
	assert.ErrorIs(t, o.Err(), ErrWorkerFault)
	assert.ErrorIs(t, o.Err(), cause)

	// A failure decoded from the wire has no cause but still matches ErrWorkerFault.
	remote := Outcome{Status: StatusFailure, Reason: "remote boom"}
	assert.ErrorIs(t, remote.Err(), ErrWorkerFault)
	assert.Contains(t, remote.Err().Error(), "remote boom")

	restored := Restore("job cancelled: context canceled", ErrCancelled)
	assert.Equal(t, "job cancelled: context canceled", restored.Reason)
	assert.ErrorIs(t, restored.Err(), ErrCancelled)
	assert.ErrorIs(t, restored.Err(), ErrWorkerFault)
}
