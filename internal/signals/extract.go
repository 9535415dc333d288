package signals

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"spendsense/internal/model"
)

// Extract runs the four extractors concurrently and aggregates their bundles.
// It fails when ctx is done before every extractor has returned or when an
// extractor panics on malformed input.
func Extract(ctx context.Context, h model.AccountHistory, opts Options) (model.BehavioralSignals, error) {
	var out model.BehavioralSignals

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(guard(egCtx, "subscription", func() { out.Subscription = ExtractSubscription(h, opts) }))
	eg.Go(guard(egCtx, "savings", func() { out.Savings = ExtractSavings(h, opts) }))
	eg.Go(guard(egCtx, "credit", func() { out.Credit = ExtractCredit(h, opts) }))
	eg.Go(guard(egCtx, "income", func() { out.Income = ExtractIncome(h, opts) }))

	if err := eg.Wait(); err != nil {
		return model.BehavioralSignals{}, err
	}
	return out, nil
}

func guard(ctx context.Context, name string, fn func()) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s extractor panicked: %v", name, r)
			}
		}()
		fn()
		return ctx.Err()
	}
}
