// Package broker maintains the message channel to the external job
// scheduler. One Client exists per ingestion; the pipeline must hold a live
// authorization from the broker before it performs irreversible storage
// writes.
package broker
