// Package log provides the structured logging system shared by all
// pidgeon components. Loggers are constructed once and passed explicitly;
// there is no global default.
package log
