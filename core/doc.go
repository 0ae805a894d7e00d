// Package core implements the building blocks of a Nova component server.
//
// This package provides the Message record, the three-level priority
// queue, the component registry (loaded and lazily loaded components plus
// contracts), the remote component table and the protocol router. The
// server package composes these into a running component server.
package core
