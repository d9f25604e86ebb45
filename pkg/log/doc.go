/*
Package log provides structured logging built on zerolog: a global logger
configured once via Init, plus component-scoped child loggers created with
WithComponent so every message carries which subsystem emitted it (consensus,
transport, registry, membership, security) without repeating the field at
every call site.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.WithComponent("consensus").Info().Str("node_id", id.String()).Msg("elected leader")
*/
package log
