// Package logx configures groupcast's structured logging.
//
// Logger is a small value type over zerolog. Console output stays short
// (timestamp + file:line), file output is JSON, and an optional chat sink
// forwards warnings to an operator chat with its own level floor and rate
// limit. Phone numbers and session material never go to a sink unmasked; use
// Phone and Secret for those values.
package logx
