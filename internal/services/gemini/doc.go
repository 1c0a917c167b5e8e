// Package gemini adapts the Google genai SDK to the JSON completion shape the
// adaptive decision maker expects from a reasoning provider.
package gemini
