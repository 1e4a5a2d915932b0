package ytdlp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"ytweb/apperr"
)

// checkResources verifies the host has room for another download. Each check
// is skipped when its threshold is zero.
func (r *Runner) checkResources() error {
	if r.throttleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-r.throttleCPU) {
			return apperr.Busy(fmt.Sprintf("Server is busy (CPU %.0f%%). Try again shortly.", p[0]))
		}
	}

	if r.throttleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(r.throttleFreeMem) {
			return apperr.Busy("Server is low on memory. Try again shortly.")
		}
	}

	if r.throttleFreeDisk > 0 && r.downloadDir != "" {
		d, err := disk.Usage(r.downloadDir)
		if err != nil {
			log.Warn().Err(err).Str("path", r.downloadDir).Msg("could not get disk usage")
		} else if d.Free < uint64(r.throttleFreeDisk) {
			return apperr.Busy("Server is low on disk space. Try again later.")
		}
	}
	return nil
}
