// Package server exposes the catalogue and playback API over HTTP.
//
// New assembles a chi router and wraps it in one middleware chain: request
// ids, security headers, CORS, request logging, Prometheus metrics, panic
// recovery and rate limiting apply to every route, while /api/video also
// passes the authentication gate before any handler touches storage or the
// media root.
package server
