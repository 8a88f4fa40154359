package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Automattic/pingbridge/internal/bus"
	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/ticker"
)

// sender is the part of the bus the counter needs.
type sender interface {
	Send(address string, msg bus.Message) error
}

// runCounter sends 1, 2, 3, ... point to point to address, one value per
// interval, until ctx is done. A tick with nobody registered is skipped and
// the value is not consumed, so a consumer always sees consecutive numbers.
func runCounter(ctx context.Context, b sender, address string, interval time.Duration) error {
	logger := log.WithComponent("counter").With().Str(log.FieldAddress, address).Logger()

	t := ticker.New(interval)
	defer t.Stop()
	sub := t.Subscribe()

	n := 1
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.C:
			if !ok {
				return nil
			}
			raw, _ := json.Marshal(n)
			err := b.Send(address, bus.Message{Address: address, Body: raw})
			switch {
			case err == nil:
				n++
			case errors.Is(err, bus.ErrNoHandlers):
				logger.Debug().Int("value", n).Msg("no consumer, skipping tick")
			case errors.Is(err, bus.ErrClosed):
				return nil
			default:
				return err
			}
		}
	}
}
