// Package server implements the HTTP and WebSocket front end of chatrelay.
//
// The implementation is organized into files for configuration, the client
// pumps, the hub that tracks live clients for shutdown, routing, the stream
// handshake and the REST room endpoints. Room membership of connections
// lives in the session registry; cross-instance delivery lives in fanout.
package server
