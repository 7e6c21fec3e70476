package domain

import (
	"context"
	"fmt"
)

// ParamKind describes how a raw argument is coerced before a job runs.
type ParamKind string

const (
	KindInt    ParamKind = "int"    // bound as int64
	KindNumber ParamKind = "number" // bound as float64
)

// Param declares one named argument of a job.
type Param struct {
	Name string
	Kind ParamKind
}

// Args carries named job arguments. After Bind every value is an int64 or a float64.
type Args map[string]any

// Int returns a bound integer argument.
func (a Args) Int(name string) int64 {
	v, _ := a[name].(int64)
	return v
}

// Number returns a bound numeric argument.
func (a Args) Number(name string) float64 {
	v, _ := a[name].(float64)
	return v
}

// ComputeFunc is the body of a job.
type ComputeFunc func(ctx context.Context, args Args) (any, error)

// Descriptor is a registered job: its name, input shape and computation.
// Descriptors are built at startup and never mutated afterwards.
type Descriptor struct {
	Name   string
	Params []Param

	// Check runs domain validation on bound arguments, returning errors that
	// wrap ErrDomain or ErrInputTooLarge.
	Check func(args Args) error

	Compute ComputeFunc

	// MultiRead keeps a terminal outcome readable by more than one Await
	// until the handle expires. The default is a single reader.
	MultiRead bool
}

// Validate checks if the descriptor can be registered.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: job name cannot be empty", ErrInvalidArguments)
	}
	if d.Compute == nil {
		return fmt.Errorf("%w: job %s has no compute function", ErrInvalidArguments, d.Name)
	}
	for _, p := range d.Params {
		if p.Kind != KindInt && p.Kind != KindNumber {
			return fmt.Errorf("%w: job %s param %q has unknown kind %q", ErrInvalidArguments, d.Name, p.Name, p.Kind)
		}
	}
	return nil
}

// Bind coerces raw arguments against the declared params and runs Check on the result.
// Missing, unexpected and non-numeric arguments fail with ErrInvalidArguments.
func (d *Descriptor) Bind(raw Args) (Args, error) {
	bound := make(Args, len(d.Params))
	for _, p := range d.Params {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s requires argument %q", ErrInvalidArguments, d.Name, p.Name)
		}
		cv, err := coerce(p.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %q: %v", ErrInvalidArguments, d.Name, p.Name, err)
		}
		bound[p.Name] = cv
	}

	for name := range raw {
		if _, ok := bound[name]; !ok {
			return nil, fmt.Errorf("%w: %s does not accept argument %q", ErrInvalidArguments, d.Name, name)
		}
	}

	if d.Check != nil {
		if err := d.Check(bound); err != nil {
			return nil, err
		}
	}
	return bound, nil
}
