/*
Package metrics defines and registers this module's Prometheus metrics:
consensus state (leader/term/last log index/applied index), asset registry
counts and poisoned-entry totals, membership suspicion/confirmation
counters, and transport connection/frame counters. Collector polls the
consensus gauges, the registry's per-status asset counts and the
suspected-peer gauge off a running node on a fixed interval; it does not
update the other metrics. Handler returns the promhttp handler a caller
mounts on its own scrape endpoint.

	collector := metrics.NewCollector(node, registry, monitor)
	collector.Start()
	http.Handle("/metrics", metrics.Handler())
*/
package metrics
