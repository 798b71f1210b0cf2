// Package fetchq provides the orchestration core for long-running media
// fetch jobs: a priority scheduling queue, a topic-based event bus, and
// a declarative rules engine that adjusts jobs before admission.
//
// fetchq is a library, not a service. Front-ends submit jobs through the
// queue manager, observe lifecycle events through the bus, and delegate
// the actual content fetching to an external Fetcher capability.
//
// # Quick Start
//
//	cfg := fetchq.DefaultConfig()
//	b := bus.New(logger)
//	reg := fetcher.NewRegistry(logger)
//	mgr, err := queue.NewManager(cfg, logger, b, reg,
//	    queue.WithStore(store),
//	)
//
// Or let the engine package assemble the whole stack:
//
//	eng, err := engine.Build(cfg, engine.WithStore(store))
//
// # Architecture
//
// Each subsystem lives in its own package: job (model + store contract),
// bus (pub/sub), rules (condition/action evaluation), fetcher (engine
// registry and capability contract), queue (lifecycle and scheduling),
// schedule (recurring submissions), store/* (persistence backends).
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package fetchq
