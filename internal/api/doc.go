// Package api hosts the HTTP handlers of the coaching video pipeline.
//
// Handler fronts pipeline.Service: upload registration and completion, the
// transcoder webhook, playback URL issuance and status lookups. When the
// local object store backs the buckets it also serves signed /media URLs.
//
// Handlers assume the middleware from internal/server has already verified
// bearer tokens and placed the caller's identity on the request context. The
// webhook route is the exception and authenticates with a shared secret.
// Errors are reported as {"error": {"code", "message"}} with the status
// picked by classifyError.
package api
