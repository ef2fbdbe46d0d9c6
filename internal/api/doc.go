// Package api hosts the HTTP handlers for the video catalogue and HLS
// playback.
//
// Handler delegates every decision to injected services: catalog.Service owns
// uploads and deletion, playback.Service reads packaged HLS files. Handlers
// assume internal/server has already authenticated the caller and attached
// request logging, metrics and security headers.
package api
