// Package plugin turns configured plugin locations into live engine
// handles. Builtin providers run in-process behind the same handle
// contract as external providers, which are spawned as child processes
// speaking the wire protocol on stdio.
//
// The Resolver owns plugin startup: it normalizes each location, performs
// the handshake, records the capability set, and attaches the plugin's cfg
// subtree. Handles created by the resolver live until engine teardown.
package plugin
