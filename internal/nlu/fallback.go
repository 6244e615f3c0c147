package nlu

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Relay is the shape shared by every backend in this package.
type Relay interface {
	Send(ctx context.Context, sender, message string) ([]string, error)
}

// Forgetter is implemented by relays that keep per-sender state.
type Forgetter interface {
	Forget(sender string)
}

// Named pairs a relay with the name used in logs.
type Named struct {
	Name  string
	Relay Relay
}

// FallbackRelay tries the primary relay first, then the fallbacks in order
// until one answers.
type FallbackRelay struct {
	primary   Named
	fallbacks []Named
}

func NewFallbackRelay(primary Named, fallbacks ...Named) *FallbackRelay {
	return &FallbackRelay{primary: primary, fallbacks: fallbacks}
}

func (f *FallbackRelay) Send(ctx context.Context, sender, message string) ([]string, error) {
	replies, err := f.primary.Relay.Send(ctx, sender, message)
	if err == nil {
		return replies, nil
	}
	log.Warn().Err(err).Str("component", "nlu").Str("relay", f.primary.Name).Msg("primary relay failed, trying fallbacks")

	errs := []error{err}
	for _, fb := range f.fallbacks {
		if ctx.Err() != nil {
			break
		}
		replies, err := fb.Relay.Send(ctx, sender, message)
		if err == nil {
			log.Info().Str("component", "nlu").Str("relay", fb.Name).Msg("fallback relay succeeded")
			return replies, nil
		}
		log.Warn().Err(err).Str("component", "nlu").Str("relay", fb.Name).Msg("fallback relay failed")
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Forget releases sender state in every relay that keeps any.
func (f *FallbackRelay) Forget(sender string) {
	for _, n := range append([]Named{f.primary}, f.fallbacks...) {
		if fg, ok := n.Relay.(Forgetter); ok {
			fg.Forget(sender)
		}
	}
}
