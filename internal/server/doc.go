// Package server hosts the coaching video API from a single HTTP server.
//
// The server builds one middleware chain of CORS, security headers, request
// ids, request logging, audit, metrics, rate limiting and bearer token
// authentication so every route shares the same protections and
// instrumentation. The transcoder webhook and signed /media URLs bypass
// bearer authentication and rely on their own credentials.
package server
