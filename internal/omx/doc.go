// Package omx implements the Open-MX partner connection and sequencing
// subsystem: the partner table, the connect protocol engine, sequence
// number algebra, and the partner lifecycle (cleanup) manager.
package omx
