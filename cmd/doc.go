// Package cmd implements the command-line interface of dMQ.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting a dMQ server hosting the echo entity
//   - call: Commands for sending requests to a remote entity (incl. a latency report)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as DMQ_<FLAG> environment variable (e.g.
// DMQ_LOG_LEVEL=debug), in a .env file or in a TOML file passed with --config.
//
// See dmq -help for a list of all commands.
package cmd
