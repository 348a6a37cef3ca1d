// Package statssink optionally flushes the process's Stats snapshot to
// InfluxDB as line-protocol points, mirroring the teacher's
// TrafficLogAggregator batch-to-a-store pattern generalized from SQL
// rows written on a DB ticker to time-series points written on a
// plain interval ticker.
package statssink

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"mlkmbp/mbp/common/logx"
	"mlkmbp/mbp/core/state"
)

var log = logx.New(logx.WithPrefix("statssink"))

// Config is the optional influx sink's connection settings; an empty
// URL disables the sink entirely.
type Config struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
}

// Run periodically writes every upstream's counters as one line-
// protocol point each, tagged by upstream name, until ctx is
// cancelled. Intended to be launched as a background goroutine.
func Run(ctx context.Context, store *state.Store, cfg Config) {
	if cfg.URL == "" {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	defer client.Close()
	writeAPI := client.WriteAPIBlocking(cfg.Org, cfg.Bucket)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			flush(ctx, writeAPI, store)
		}
	}
}

func flush(ctx context.Context, writeAPI api.WriteAPIBlocking, store *state.Store) {
	snap := store.Load()
	if snap == nil || snap.Stats == nil {
		return
	}
	now := time.Now()
	for name, st := range snap.Stats.Upstreams {
		p := influxdb2.NewPoint("upstream_traffic",
			map[string]string{"upstream": name},
			map[string]interface{}{
				"tx_bytes":        st.TxBytes.Load(),
				"rx_bytes":        st.RxBytes.Load(),
				"last_use_unix_s": st.LastUseUnixS.Load(),
				"last_latency_ms": st.LastLatencyMs.Load(),
			},
			now,
		)
		if err := writeAPI.WritePoint(ctx, p); err != nil {
			log.Warnf("write point for upstream %s: %v", name, err)
		}
	}
}
