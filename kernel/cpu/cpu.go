// Package cpu models the hart-level state the kernel manipulates directly:
// saved register files, the per-hart interrupt enable bit and the halt
// primitive. The kernel runs hosted, so harts are explicit values driven by
// an embedder rather than hardware threads; everything the real CSRs would
// hold lives in exported, inspectable fields.
package cpu

// Halt parks the calling hart. There is no deeper sleep state to enter in
// the hosted substrate; Halt blocks forever so that fatal error paths never
// return to their callers.
func Halt() {
	select {}
}
