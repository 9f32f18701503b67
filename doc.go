// Package squeezer implements the client side of the squeezeserver command
// line interface protocol, the line-oriented, tag-encoded protocol exposed by
// the Logitech Media Server over a persistent duplex connection.
//
// The package provides the protocol engine only: it issues free-form text
// commands from any goroutine, correlates out-of-order responses back to the
// caller that issued them over the single shared connection, and transparently
// paginates large list results so callers see a simple "give me all matching
// items" interface while each request stays bounded in size.
//
// Transports, domain item construction and connection life-cycle management
// are collaborators described by the Transport, ItemFactory and
// ConnectionObserver interfaces.
package squeezer
