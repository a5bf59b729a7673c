// Package http implements poll based sessions over HTTP. Clients that cannot
// keep a socket open (browsers, scripts behind proxies) create a session,
// post messages to it and fetch outbound messages with long poll requests.
//
// Routes:
//
//	POST   /session                      create a session (named by a uuid)
//	POST   /session/{name}               deliver the body as one message
//	GET    /session/{name}/poll?timeout=&count=
//	                                     wait for outbound messages
//	DELETE /session/{name}               disconnect the session
//
// A poll response carries the messages as 4 byte length prefixed frames (the
// headersize framing) and sets X-Dmq-More when further messages are queued.
// 204 No Content means the poll expired without data.
//
// Key Components:
//
//   - PollServer: registers the httppoll protocol in the session container and
//     maps the routes onto Session.DeliverMessage and Session.PollRequest. The
//     container's cycle loop must run, it expires parked poll requests.
//
//   - PollClient: the matching client, used by the CLI and the tests.
package http
