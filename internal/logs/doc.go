// Package logs reads run and worker log files for the CLI.
//
// Tail returns the last N lines (or everything after a byte offset) with
// bounded memory. Follow keeps streaming appended lines, woken by fsnotify
// with a slow poll as a safety net for filesystems that drop events. Callers
// cancel the context to stop following.
package logs
