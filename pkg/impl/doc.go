// Package impl runs the implementation role: it serves actions from
// applications through a Router and pushes events to every connected
// application.
package impl
