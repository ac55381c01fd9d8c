// Package api exposes the REST surface for driving marketplace sessions:
// triggering a session, inspecting its state, resolving pending approvals
// and reviews, and streaming lifecycle events over websocket.
package api
