// Package datasource hosts the background refreshers feeding the detectors:
// cloud/datacenter IP ranges, published crawler ranges, the Project
// Honeypot DNSBL resolver, ASN origin data, and the common-UA version
// table. Each refresher owns its clock, publishes snapshots via atomic
// pointer swap, and shuts down cooperatively.
package datasource

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DataSource is the refresh contract: fetch new data, swap it in
// atomically, report how often to run.
type DataSource interface {
	Name() string
	Interval() time.Duration
	Refresh(ctx context.Context) error
}

// Runner drives a set of DataSources on independent tickers until ctx is
// cancelled. A failed refresh logs and waits for the next tick; the
// previous snapshot keeps serving.
type Runner struct {
	sources []DataSource
	log     zerolog.Logger
}

func NewRunner(log zerolog.Logger, sources ...DataSource) *Runner {
	return &Runner{sources: sources, log: log}
}

// Run blocks until ctx is done. Each source refreshes once immediately,
// then on its own interval.
func (r *Runner) Run(ctx context.Context) {
	for _, src := range r.sources {
		src := src
		go func() {
			r.refreshOne(ctx, src)
			ticker := time.NewTicker(src.Interval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.refreshOne(ctx, src)
				}
			}
		}()
	}
	<-ctx.Done()
}

func (r *Runner) refreshOne(ctx context.Context, src DataSource) {
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := src.Refresh(rctx); err != nil {
		r.log.Warn().Str("source", src.Name()).Err(err).Msg("datasource refresh failed, keeping previous snapshot")
		return
	}
	r.log.Debug().Str("source", src.Name()).Msg("datasource refreshed")
}
