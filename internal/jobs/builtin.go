// internal/jobs/builtin.go
package jobs

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"job-dispatch/internal/domain"
)

// Built-in job names.
const (
	JobFibonacci = "fibonacci"
	JobFactorial = "factorial"
	JobDelay     = "delay_task"
	JobGetName   = "get_name_rr"
	JobAdd       = "add"
)

// Limits bounds the input of the built-in jobs.
type Limits struct {
	MaxFibonacciN int64
	MaxFactorialN int64
	MaxDelay      time.Duration
}

// DefaultLimits returns Limits with reasonable defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFibonacciN: 10_000,
		MaxFactorialN: 10_000,
		MaxDelay:      time.Minute,
	}
}

// DelayResult is the completion marker returned by the delay jobs.
type DelayResult struct {
	Message     string    `json:"message"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewBuiltin returns a registry holding every built-in job.
func NewBuiltin(limits Limits) *Registry {
	return NewRegistry().MustRegister(
		Fibonacci(limits.MaxFibonacciN),
		Factorial(limits.MaxFactorialN),
		Delay(JobDelay, limits.MaxDelay, "task with %s delay completed"),
		Delay(JobGetName, limits.MaxDelay, "get_name_rr completed after %s"),
		Add(),
	)
}

// Fibonacci returns the first n Fibonacci numbers, starting 0, 1.
func Fibonacci(maxN int64) *domain.Descriptor {
	return &domain.Descriptor{
		Name:   JobFibonacci,
		Params: []domain.Param{{Name: "n", Kind: domain.KindInt}},
		Check: func(args domain.Args) error {
			n := args.Int("n")
			if n <= 0 {
				return fmt.Errorf("%w: fibonacci requires n >= 1, got %d", domain.ErrDomain, n)
			}
			if maxN > 0 && n > maxN {
				return fmt.Errorf("%w: fibonacci n=%d exceeds limit %d", domain.ErrInputTooLarge, n, maxN)
			}
			return nil
		},
		Compute: func(ctx context.Context, args domain.Args) (any, error) {
			n := int(args.Int("n"))
			seq := make([]*big.Int, 0, n)
			seq = append(seq, big.NewInt(0))
			if n > 1 {
				seq = append(seq, big.NewInt(1))
			}
			for len(seq) < n {
				if len(seq)%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return nil, fmt.Errorf("%w: %w", domain.ErrCancelled, err)
					}
				}
				next := new(big.Int).Add(seq[len(seq)-1], seq[len(seq)-2])
				seq = append(seq, next)
			}
			return seq, nil
		},
	}
}

// Factorial returns n! for 0 <= n <= maxN.
func Factorial(maxN int64) *domain.Descriptor {
	return &domain.Descriptor{
		Name:   JobFactorial,
		Params: []domain.Param{{Name: "n", Kind: domain.KindInt}},
		Check: func(args domain.Args) error {
			n := args.Int("n")
			if n < 0 {
				return fmt.Errorf("%w: factorial requires n >= 0, got %d", domain.ErrDomain, n)
			}
			if maxN > 0 && n > maxN {
				return fmt.Errorf("%w: factorial n=%d exceeds limit %d", domain.ErrInputTooLarge, n, maxN)
			}
			return nil
		},
		Compute: func(ctx context.Context, args domain.Args) (any, error) {
			n := args.Int("n")
			result := big.NewInt(1)
			for i := int64(2); i <= n; i++ {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return nil, fmt.Errorf("%w: %w", domain.ErrCancelled, err)
					}
				}
				result.Mul(result, big.NewInt(i))
			}
			return result, nil
		},
	}
}

// Delay suspends for the given number of seconds and returns a DelayResult.
// The wait is a cancellation checkpoint. format receives the delay duration.
func Delay(name string, maxDelay time.Duration, format string) *domain.Descriptor {
	return &domain.Descriptor{
		Name:   name,
		Params: []domain.Param{{Name: "seconds", Kind: domain.KindNumber}},
		Check: func(args domain.Args) error {
			s := args.Number("seconds")
			if s < 0 {
				return fmt.Errorf("%w: %s requires seconds >= 0, got %g", domain.ErrDomain, name, s)
			}
			// Compared as floats: very large values overflow a Duration.
			if maxDelay > 0 && s > maxDelay.Seconds() {
				return fmt.Errorf("%w: %s delay %gs exceeds limit %s", domain.ErrInputTooLarge, name, s, maxDelay)
			}
			return nil
		},
		Compute: func(ctx context.Context, args domain.Args) (any, error) {
			d := seconds(args.Number("seconds"))
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
			case <-timer.C:
			}
			return DelayResult{
				Message:     fmt.Sprintf(format, d),
				CompletedAt: time.Now().UTC(),
			}, nil
		},
	}
}

// Add returns x + y.
func Add() *domain.Descriptor {
	return &domain.Descriptor{
		Name:   JobAdd,
		Params: []domain.Param{{Name: "x", Kind: domain.KindNumber}, {Name: "y", Kind: domain.KindNumber}},
		Compute: func(ctx context.Context, args domain.Args) (any, error) {
			sum := args.Number("x") + args.Number("y")
			if math.IsInf(sum, 0) {
				return nil, fmt.Errorf("%w: %g + %g overflows float64", domain.ErrInputTooLarge, args.Number("x"), args.Number("y"))
			}
			return sum, nil
		},
	}
}

// seconds converts s to a Duration, saturating instead of wrapping.
func seconds(s float64) time.Duration {
	ns := math.Round(s * float64(time.Second))
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
