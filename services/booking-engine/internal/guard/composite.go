package guard

import "context"

// Guard pairs the limiter with the verifier so callers depend on one value.
type Guard struct {
	limiter  *Limiter
	verifier *Verifier
}

func New(limiter *Limiter, verifier *Verifier) *Guard {
	return &Guard{limiter: limiter, verifier: verifier}
}

func (g *Guard) Allow(ctx context.Context, origin string) error {
	return g.limiter.Allow(ctx, origin)
}

func (g *Guard) Verify(ctx context.Context, token string) error {
	return g.verifier.Verify(ctx, token)
}
