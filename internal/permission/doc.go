// Package permission implements the rendezvous between an agent turn
// suspended on a tool approval and the asynchronous human decision that
// unblocks it, with a default-deny expiry.
package permission
