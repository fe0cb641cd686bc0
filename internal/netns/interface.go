package netns

// Namespace is a reference to one kernel network namespace.
type Namespace interface {
	// Name is the bind-mount name, empty for anonymous references.
	Name() string
	Path() string
	Fd() int
	// ID identifies the kernel object (device and inode), so two
	// references to the same namespace compare equal.
	ID() string

	// Enter switches the calling goroutine's thread into the namespace.
	// The returned guard must be exited on the same goroutine, before any
	// point where the goroutine may block on unrelated work.
	Enter() (Guard, error)
	// Do runs fn inside the namespace on a dedicated OS thread.
	Do(fn func() error) error

	// Close drops the reference. Owned namespaces are also unmounted,
	// which releases the kernel object once no process lives in it.
	Close() error
}

// Guard restores the namespace that was current before Enter.
type Guard interface {
	Exit() error
}

// Provider creates and resolves namespaces.
type Provider interface {
	Create(name string) (Namespace, error)
	Open(name string) (Namespace, error)
	Current() (Namespace, error)
}
