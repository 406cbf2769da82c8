// Package scanning runs nmap against a single target and turns its output
// into findings.
//
// # Overview
//
// A Job drives one scan session through its states:
//
//	idle -> starting -> streaming -> finalizing -> completed
//	                                             \-> failed
//	starting, streaming -> cancelled
//
// While streaming, every line of nmap's standard output is appended to the
// live transcript, handed to the parser, and any new port fact is inserted
// into the shared findings.Store. When the output ends the job waits for the
// process, renders the session's findings as detail text and records a
// finding with the configured sink.
//
// # Process handling
//
// Tool resolves the nmap binary and builds the argument list
// (`-A -oN <transcript> <hostname>`). Launcher starts the process and
// LineStream exposes its standard output as a pull-based sequence of lines
// that ends when the process exits. Cancelling a job cancels its context,
// which kills the child process on platforms that support it.
//
// # Export
//
// Export moves a session's on-disk transcript to a destination chosen by the
// caller, adding the transcript extension when it is missing.
package scanning
