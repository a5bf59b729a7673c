// Package ws implements a websocket connector for the dMQ connection container
// using gorilla/websocket. Endpoints look like "ws://host:port/path:protocol".
//
// The websocket connection is adapted to net.Conn: writes become binary
// frames and reads return the concatenated frame contents, so any stream
// protocol (headersize, delimiter) runs unchanged on top of it.
package ws
