// Package events defines the typed notifications the capture pipeline emits
// (lifecycle transitions, frame counts, purges, compile progress) and a
// non-blocking Bus that fans them out to presentation-layer subscribers.
package events
