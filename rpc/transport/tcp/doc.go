// Package tcp implements the TCP connector of the dMQ connection container.
//
// The connector dials and listens on TCP addresses ("tcp://host:port:protocol")
// and applies the configured socket tuning to every connection: TCP_NODELAY,
// keep-alive period, linger and kernel buffer sizes (see common.SocketConfig).
// Reading, writing and reconnecting are handled by the base package.
package tcp
