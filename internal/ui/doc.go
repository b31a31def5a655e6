// Package ui renders terminal output for the telemetry commands.
//
// One-shot commands print through a Printer: a header box naming the
// command and its parameters, then a success, warning or error box.
// The monitor command runs a full-screen Bubble Tea model (Monitor) that
// lists the latest value of every decoded message along with the decoder
// counters; the caller feeds it MessagesMsg and StatsMsg values through
// tea.Program.Send.
package ui
