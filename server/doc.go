// Package server runs a Nova component server.
//
// A Server owns a priority queue, a component registry, a remote component
// table and a protocol router from package core. Receive workers poll the
// registered protocols and enqueue inbound messages; dispatch workers drain
// the queue and deliver each message to a local component, to a remote
// server, or to the server's own control protocol. Both worker pools can be
// resized while the server runs, including through control messages
// addressed to "SRV:<name>".
package server
