// Package detector decides whether a recorded adapter process is still alive.
package detector
