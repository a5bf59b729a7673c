// Package common provides core data structures and utilities shared across
// the dMQ session framework. It defines fundamental types, configuration
// structures, and wire header elements used by other packages.
//
// The package focuses on:
//   - Header definition carried in front of every entity message
//   - Configuration structures for server and client processes
//   - Custom logging implementation integrated with Dragonboat's logger package
//   - An ownership handle for callback targets (strong, weak or none)
//
// Key Components:
//
//   - Header: destination/source entity, message mode, status, payload type name
//     and correlation id. MsgMode and Status serialize as strings in JSON.
//
//   - ContentType: selects the serializer (binary, json, gob) for a session.
//
//   - ServerConfig / ClientConfig: process configuration with pretty printers,
//     loadable from TOML files and overridable by flags and environment.
//
//   - Handle: tagged reference to a callback target. A weak handle yields no
//     target once the referenced object is gone.
//
//   - Logger: logger factory that plugs into Dragonboat's logger registry so
//     every package can use logger.GetLogger(name).
package common
