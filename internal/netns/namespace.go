package netns

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// BindMountDir is where named namespaces are pinned, shared with iproute2
// so `ip netns exec` works on them too.
const BindMountDir = "/var/run/netns"

func NewProvider() *NamedProvider {
	return &NamedProvider{}
}

// NamedProvider creates namespaces pinned under BindMountDir.
type NamedProvider struct{}

// Create makes a new named namespace. The calling thread is switched into
// it by the kernel call and switched back before Create returns.
func (p *NamedProvider) Create(name string) (Namespace, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, classify(ErrCreate, name, fmt.Errorf("invalid namespace name %q", name))
	}

	var created netns.NsHandle
	err := onLockedThread(func() error {
		var err error
		created, err = netns.NewNamed(name)
		return err
	})
	if err != nil {
		// NewNamed can fail after the mount, leave no pin behind. An
		// existing pin belongs to someone else.
		if !errors.Is(err, os.ErrExist) {
			_ = netns.DeleteNamed(name)
		}
		return nil, classify(ErrCreate, name, err)
	}

	return &Handle{
		name:  name,
		path:  filepath.Join(BindMountDir, name),
		owned: true,
		ns:    created,
	}, nil
}

// Open references an existing named namespace without taking ownership.
func (p *NamedProvider) Open(name string) (Namespace, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		return nil, classify(ErrEnter, name, err)
	}
	return &Handle{
		name: name,
		path: filepath.Join(BindMountDir, name),
		ns:   ns,
	}, nil
}

// Current references the namespace of the calling thread.
func (p *NamedProvider) Current() (Namespace, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ns, err := netns.Get()
	if err != nil {
		return nil, classify(ErrEnter, "", err)
	}
	return &Handle{
		path: fmt.Sprintf("/proc/%d/task/%d/ns/net", os.Getpid(), unix.Gettid()),
		ns:   ns,
	}, nil
}

// onLockedThread runs fn on the calling goroutine's thread and restores the
// thread's namespace afterwards. If restoring fails the thread stays locked
// so the runtime retires it with the goroutine instead of reusing it.
func onLockedThread(fn func() error) error {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer origin.Close()

	fnErr := fn()
	if err := netns.Set(origin); err != nil {
		return errors.Join(fnErr, pkgerrors.Wrap(err, "restore namespace"))
	}
	runtime.UnlockOSThread()
	return fnErr
}

// Handle is a reference to a kernel network namespace.
type Handle struct {
	mu     sync.Mutex
	name   string
	path   string
	owned  bool
	ns     netns.NsHandle
	closed bool
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) Fd() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1
	}
	return int(h.ns)
}

func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ""
	}
	return h.ns.UniqueId()
}

func (h *Handle) String() string {
	if h.name != "" {
		return h.name
	}
	return h.path
}

func (h *Handle) handle() (netns.NsHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return netns.None(), ErrClosed
	}
	return h.ns, nil
}

func (h *Handle) Enter() (Guard, error) {
	target, err := h.handle()
	if err != nil {
		return nil, classify(ErrEnter, h.String(), err)
	}

	runtime.LockOSThread()
	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, classify(ErrEnter, h.String(), err)
	}
	if err := netns.Set(target); err != nil {
		origin.Close()
		runtime.UnlockOSThread()
		return nil, classify(ErrEnter, h.String(), err)
	}
	return &Entry{origin: origin}, nil
}

func (h *Handle) Do(fn func() error) error {
	target, err := h.handle()
	if err != nil {
		return classify(ErrEnter, h.String(), err)
	}

	errCh := make(chan error, 1)
	go func() {
		// never unlocked: the thread is discarded when this goroutine ends
		runtime.LockOSThread()
		if err := netns.Set(target); err != nil {
			errCh <- classify(ErrEnter, h.String(), err)
			return
		}
		errCh <- fn()
	}()
	return <-errCh
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	if err := h.ns.Close(); err != nil {
		errs = append(errs, pkgerrors.Wrapf(err, "close %s", h))
	}
	if h.owned {
		if err := netns.DeleteNamed(h.name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, pkgerrors.Wrapf(err, "delete namespace %s", h.name))
		}
	}
	return errors.Join(errs...)
}

// Entry is an active switch into a namespace.
type Entry struct {
	once   sync.Once
	origin netns.NsHandle
	err    error
}

// Exit restores the namespace that was current at Enter. It is safe to
// call more than once.
func (e *Entry) Exit() error {
	e.once.Do(func() {
		defer e.origin.Close()
		if err := netns.Set(e.origin); err != nil {
			// keep the thread locked, it is no longer in a known namespace
			e.err = classify(ErrEnter, "restore", err)
			return
		}
		runtime.UnlockOSThread()
	})
	return e.err
}

// List returns the names of pinned namespaces starting with prefix.
func List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(BindMountDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Sweep deletes every pinned namespace starting with prefix and returns the
// names it removed. Failures do not stop the sweep.
func Sweep(prefix string) ([]string, error) {
	if prefix == "" {
		return nil, fmt.Errorf("refusing to sweep with empty prefix")
	}
	names, err := List(prefix)
	if err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, name := range names {
		if err := Delete(name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

// Delete unpins one namespace by name. Processes still inside keep it
// alive until they exit.
func Delete(name string) error {
	if err := netns.DeleteNamed(name); err != nil {
		return pkgerrors.Wrapf(err, "delete namespace %s", name)
	}
	return nil
}
