// Package web holds the embedded client-side assets served by the guard
// server.
package web

import "embed"

//go:embed guard.js
var Assets embed.FS
