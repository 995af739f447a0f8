package lu

import (
	"runtime"

	"k8s.io/klog/v2"
)

// Target selects how ready tile operations are realized. All targets share
// the exact same dependency graph; they differ only in how an operation
// becomes work once its tokens are satisfied.
type Target int64

const (
	// HostTask dispatches every tile operation as one independently
	// scheduled unit on the host worker pool. The default.
	HostTask Target = iota

	// HostNest realizes each operation as one task running a nested
	// parallel-for over its tile pairs.
	HostNest

	// HostBatch coalesces same-shaped tile pairs into batched kernel
	// calls on the host, without device residency management.
	HostBatch

	// Devices coalesces into batched kernels against accelerator-resident
	// tile copies, with explicit workspace reservation and per-step
	// residency release.
	Devices
)

func (t Target) String() string {
	switch t {
	case HostTask:
		return "HostTask"
	case HostNest:
		return "HostNest"
	case HostBatch:
		return "HostBatch"
	case Devices:
		return "Devices"
	}
	return "Target(invalid)"
}

// ParseTarget maps a name (as printed by Target.String, case-sensitive) to
// its Target. It returns HostTask and false for unknown names.
func ParseTarget(name string) (Target, bool) {
	for _, t := range []Target{HostTask, HostNest, HostBatch, Devices} {
		if t.String() == name {
			return t, true
		}
	}
	return HostTask, false
}

// Option is a key of the run-configuration map.
type Option int

const (
	// OptionLookahead is the number of block-columns proactively updated
	// at high priority ahead of the bulk trailing update. Default 1.
	OptionLookahead Option = iota

	// OptionInnerBlocking is the blocking size of the diagonal-tile
	// micro-factorization. Default 16.
	OptionInnerBlocking

	// OptionMaxPanelThreads is the host thread budget of the panel
	// factorization. Default max(NumCPU/2, 1).
	OptionMaxPanelThreads

	// OptionTarget selects the execution strategy, as an int64-cast
	// Target. Default HostTask.
	OptionTarget
)

// Options configures one factorization run. Missing keys fall back to the
// documented defaults; unrecognized keys are ignored; out-of-range values
// are corrected to the defaults rather than failing the run.
type Options map[Option]int64

// config is the validated, immutable form of Options for one run.
type config struct {
	lookahead       int64
	innerBlocking   int64
	maxPanelThreads int
	target          Target
}

func newConfig(opts Options) config {
	c := config{
		lookahead:       1,
		innerBlocking:   16,
		maxPanelThreads: max(runtime.NumCPU()/2, 1),
		target:          HostTask,
	}
	if v, found := opts[OptionLookahead]; found {
		if v >= 0 {
			c.lookahead = v
		} else {
			klog.Warningf("lu: negative lookahead %d corrected to default %d", v, c.lookahead)
		}
	}
	if v, found := opts[OptionInnerBlocking]; found {
		if v >= 1 {
			c.innerBlocking = v
		} else {
			klog.Warningf("lu: inner blocking %d corrected to default %d", v, c.innerBlocking)
		}
	}
	if v, found := opts[OptionMaxPanelThreads]; found {
		if v >= 1 && v <= int64(runtime.NumCPU()) {
			c.maxPanelThreads = int(v)
		} else {
			klog.Warningf("lu: panel thread budget %d corrected to default %d", v, c.maxPanelThreads)
		}
	}
	if v, found := opts[OptionTarget]; found {
		switch Target(v) {
		case HostTask, HostNest, HostBatch, Devices:
			c.target = Target(v)
		default:
			klog.Warningf("lu: unknown target %d corrected to %s", v, c.target)
		}
	}
	return c
}
