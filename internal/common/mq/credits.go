package mq

import "context"

// creditPool bounds in-flight messages per subscription. A consumer takes a
// credit before fetching and gives it back once the message is settled.
type creditPool chan struct{}

func newCreditPool(n int) creditPool {
	if n <= 0 {
		n = 1
	}
	p := make(creditPool, n)
	for i := 0; i < n; i++ {
		p <- struct{}{}
	}
	return p
}

func (p creditPool) take(ctx context.Context) error {
	select {
	case <-p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// give returns a credit; extra returns beyond capacity are dropped.
func (p creditPool) give() {
	select {
	case p <- struct{}{}:
	default:
	}
}
