// Package logx provides a small structured logging facade over zerolog.
//
// It supports console and file sinks, runtime reconfiguration via
// Service.Apply(), and a zero-value-safe Logger that components can embed
// without nil checks.
package logx
