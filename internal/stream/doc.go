// Package stream converts backend agent event streams into cancellable,
// pull-based sequences of text chunks for delivery to chat platforms.
package stream
