// Package messaging contains the Happy InLine conversation primitives: message and
// conversation stores, the polling feed synchronizer that turns a pull-only backend into
// a subscription, and the send path that persists a message and fires a best-effort push
// notification to the other participant.
package messaging
