// Package internal contains the implementation packages for stitch.
//
// # Package Organization
//
//   - directive: finds [[ path(key=value) ]] include markers in text
//   - resolver: turns a directive into fragment text with parameters applied
//   - build: mirrors the source tree into the output tree, expanding includes
//   - watcher: recursive file system monitoring with debouncing
//   - rebuild: serializes and coalesces rebuilds requested by the watcher
//   - notifier: live-reload WebSocket hub
//   - server: static file server for watch mode
//   - config: Viper-backed configuration with validation
//   - logging: structured logging on log/slog
//   - errors: error types shared by the packages above
//   - version: build information
//
// # Data Flow
//
// A change seen by watcher reaches rebuild, which runs one full build pass
// and then asks notifier to tell connected browsers to reload. server hands
// WebSocket upgrades to notifier and serves everything else from the output
// tree.
package internal
