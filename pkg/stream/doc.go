// Package stream turns a chunked newline-delimited JSON response body into
// ordered token, completion and failure events.
//
// The pieces compose as:
//   - Parser reassembles lines across chunk boundaries and decodes records.
//   - Reader pulls frames from an io.Reader through a Parser.
//   - Dispatcher enforces the per-stream state machine and calls a Handler.
//   - Pump runs the read loop that ties the three together and honours
//     context cancellation.
//
// Wire records are objects with an optional "token" string, "done" boolean
// with "sources" list, or "error" string. Unknown fields are ignored.
package stream
