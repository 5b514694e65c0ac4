//go:build !linux

package main

import "log/slog"

// setupInit is only needed for Linux microVM guests.
func setupInit(*slog.Logger) {}
