// Package metrics exposes the keystore's Prometheus instruments and the
// standalone scrape server they are published on.
package metrics
