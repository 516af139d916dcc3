package engine

import (
	"github.com/databloom/speckv/alloc"
	"github.com/databloom/speckv/coherence"
	"github.com/databloom/speckv/compress"
	"github.com/databloom/speckv/prefetch"
	"github.com/databloom/speckv/tlb"
)

// Statistics is the facade's aggregate observability surface, shaped
// after the nested SystemStatistics struct original_source's
// cxl_speckv_system.h exposes: one sub-struct per subsystem rather than
// a flat counter bag.
type Statistics struct {
	Memory      alloc.Stats
	Coherence   coherence.Stats
	Prefetch    prefetch.Stats
	Compression compress.PerfStats
	Translation tlb.Stats
}
