// Package unix implements the Unix domain socket connector of the dMQ
// connection container ("unix://path:protocol", "ipc://path:protocol").
//
// Key Components:
//
//   - connector: dials and listens on socket paths. An existing socket file
//     is removed before listening.
//
// Performance Characteristics:
//
//   - Reduced overhead: Eliminates TCP/IP stack processing for better performance
//   - Lower latency: Direct kernel-mediated IPC avoids network subsystem overhead
package unix
