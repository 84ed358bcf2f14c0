// Package core implements the metered actor host that stepwise programs run on.
//
// Every actor owns a mailbox and a single goroutine, so an actor processes
// exactly one message at a time and its state needs no locking. Each
// invocation is granted an execution quantum: handlers charge units of work
// against it and the invocation fails with ErrQuantumExceeded when the budget
// runs out. Messages sent by a handler are held in an outbox and delivered only
// when the handler returns without error, so a failed invocation emits
// nothing.
package core
