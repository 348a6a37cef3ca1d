package app

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

// processStatsInterval bounds how often the process-stats section of
// the Stats snapshot is refreshed.
const processStatsInterval = 30 * time.Second

// runProcessStatsTicker refreshes the Stats snapshot's process section
// (host uptime, open fd count) on its own ticker, independent of
// reconfiguration, until ctx is cancelled.
func (a *App) runProcessStatsTicker(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		a.Log.Warnf("process stats: %v", err)
		return
	}

	t := time.NewTicker(processStatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := a.Store.Load().Stats
			if st == nil || st.Process == nil {
				continue
			}
			if uptime, err := host.Uptime(); err == nil {
				st.Process.UptimeSeconds.Store(uptime)
			}
			if fds, err := proc.NumFDs(); err == nil {
				st.Process.OpenFDs.Store(uint64(fds))
			}
		}
	}
}
