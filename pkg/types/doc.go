/*
Package types defines the core data structures shared by every component of
the consensus and transport plane: node identity, asset records, certificates,
log entries, consensus proofs and the wire-level transport message envelope.

These types are pure data — no component-specific behaviour lives here, only
the shapes every package in this module exchanges and persists.
*/
package types
