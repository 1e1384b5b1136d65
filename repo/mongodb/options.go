package mongodb

import (
	"fmt"

	"github.com/looplab/eventsource/mongoutils"
)

// Option is an option setter used to configure creation.
type Option func(*Repository) error

// WithConnectionCheck pings the DB when creating the repository.
func WithConnectionCheck() Option {
	return func(r *Repository) error {
		r.connectionCheck = true

		return nil
	}
}

// WithCollectionNames uses different collections from the default
// "aggregates", "events" and "counters" collections.
func WithCollectionNames(aggregates, events, counters string) Option {
	return func(r *Repository) error {
		if err := mongoutils.CheckCollectionNames(aggregates, events, counters); err != nil {
			return fmt.Errorf("repository collections: %w", err)
		}

		r.aggregatesName = aggregates
		r.eventsName = events
		r.countersName = counters

		return nil
	}
}
