// Package middleware provides composable middleware around fetch
// execution.
//
// A [Middleware] is a function that wraps the fetch call for one job.
// Middleware are composed into a chain using [Chain] and applied around
// each dispatch. They are applied right-to-left: the first middleware
// in the slice is the outermost wrapper.
//
//	// logging → recover → fetch
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs job URL, engine, duration, and outcome
//   - [Recover] — catches panics in an engine and converts them to errors
//   - [Timeout] — cancels the fetch context after the maximum job runtime
//   - [Tracing] — wraps the fetch in an OpenTelemetry span
//   - [Metrics] — records per-fetch duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
