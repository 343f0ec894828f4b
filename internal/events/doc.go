// Package events exposes realtime activity to the collaborator layer.
//
// The gateway publishes an Event for every persisted message, delivery and
// read transition, typing change and presence change. Subscribers such as a
// push-notification worker receive them on a buffered channel. A slow
// subscriber loses events rather than stalling the publisher.
package events
