// Package httpserver exposes the keystore over a JSON HTTP API. Key
// operations are dispatched through the request actor; health and drain
// endpoints support zero-downtime rollouts behind a load balancer.
package httpserver
