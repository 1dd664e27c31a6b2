// Package machine boots a guest kernel and runs its execution contexts.
//
// New performs the setup sequence: load the guest, create the shared
// memory, build the hardware description, register the kernel host calls
// and link the guest into a template. Run then calls boot() on the calling
// goroutine. Every context spawned by the guest through new_worker or
// bringup_secondary gets its own goroutine locked to an OS thread, with its
// own instance of the template and its own interrupt flag.
//
// # Failure model
//
// There is no isolation between contexts. A failure in any of them, whether
// at instantiation or in its entry call, is logged against the context name
// and ends the process through Options.Exit with status 1. When the guest
// traps in debug mode a core dump is written first. halt and restart end
// the process the same way from inside the kernel host.
//
// Every context is stopped before Options.Exit runs, so a hook that returns
// does not leave the rest of the machine running. Guest code ends at its
// next call or loop iteration and host calls made afterwards do nothing.
//
// # Observing contexts
//
// The Registry records each context with its name, entry call, parent and
// state (created, instantiating, running, exited, faulted). Observers see
// every transition:
//
//	opts.Observer = machine.ObserverFunc(func(e machine.Event) {
//		log.Printf("%s: %s -> %s", e.Name, e.Previous, e.State)
//	})
package machine
