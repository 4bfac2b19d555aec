package allocator

import metrics "github.com/docker/go-metrics"

var (
	ns = metrics.NewNamespace("metalwire", "allocator", nil)

	allocations = ns.NewLabeledCounter("allocations", "Number of successful address allocations", "subnet", "type")
	releases    = ns.NewLabeledCounter("releases", "Number of address releases", "subnet")
	conflicts   = ns.NewLabeledCounter("conflicts", "Number of discovered addresses colliding with an active assignment", "subnet")

	freeGauge        = ns.NewLabeledGauge("free_addresses", "Unassigned addresses in the static pool", metrics.Total, "subnet")
	freeDynamicGauge = ns.NewLabeledGauge("free_dynamic_addresses", "Unassigned addresses in the dynamic band", metrics.Total, "subnet")
	usedGauge        = ns.NewLabeledGauge("used_addresses", "Active assignments", metrics.Total, "subnet")
)

func init() {
	metrics.Register(ns)
}
