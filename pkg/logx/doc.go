// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value; the zero value is a safe no-op, so
// library code never needs nil checks. The Service variant keeps loggers
// "live": Apply() swaps sinks and levels at runtime without handing out new
// Logger values.
package logx
