// Package osmem wraps the operating system services the allocators grow and shrink through.
//
// A Break models the program break of a process: a boundary that can be moved up to expose more
// contiguous memory, or down to give the topmost bytes back. Go programs cannot move the real
// program break safely because the runtime owns the process heap, so ReservedBreak reserves a large
// range of address space up front without access rights, and moves its own break through it,
// committing pages as the break rises and releasing them as it falls. SliceBreak provides the same
// contract over an ordinary Go allocation and is used where anonymous mappings are unavailable.
//
// A Mapper hands out independent, page-aligned, zeroed, read/write mappings and takes them back.
//
// Both report refusal through errors wrapping ErrBreakExhausted or ErrMapFailed, never by panicking.
package osmem
