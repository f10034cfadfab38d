// Package async provides safe concurrent execution for background tasks:
// panic-recovered goroutines with timeouts (SafeGo) and a bounded worker
// pool used to cap concurrent version ingestions.
package async
