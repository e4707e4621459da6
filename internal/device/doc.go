// Package device persists device identities.
//
// A device identity is the (endpoint, device identifier) pair a connection
// self-reports via an identify frame. It is the durable reference used by
// point-to-point addressing and the control command history.
package device
