package accounting

import (
	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

// OveruseListener receives best-effort stats notifications. IsAlive is
// polled at dispatch time; a dead listener is removed from its registry
// without further notice, matching the liveness-linked auto-removal
// contract of §4.4.6.
type OveruseListener interface {
	Handle() string
	IsAlive() bool
	Notify(stats model.PackageIoOveruseStats)
}

// AddListener registers a per-uid listener, or a system-wide listener
// when uid is negative. Duplicate handles (already registered anywhere
// in the same registry) are rejected.
func (e *Engine) AddListener(uid int32, l OveruseListener) error {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()

	if uid < 0 {
		for _, existing := range e.sysListeners {
			if existing.Handle() == l.Handle() {
				return werror.New(werror.KindIllegalState, "accounting.AddListener", "duplicate system listener handle")
			}
		}
		e.sysListeners = append(e.sysListeners, l)
		return nil
	}

	for _, existing := range e.perUIDListeners[uid] {
		if existing.Handle() == l.Handle() {
			return werror.New(werror.KindIllegalState, "accounting.AddListener", "duplicate listener handle for uid")
		}
	}
	e.perUIDListeners[uid] = append(e.perUIDListeners[uid], l)
	return nil
}

// RemoveListener removes a listener by handle from both registries.
func (e *Engine) RemoveListener(handle string) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()

	e.sysListeners = removeByHandle(e.sysListeners, handle)
	for uid, ls := range e.perUIDListeners {
		e.perUIDListeners[uid] = removeByHandle(ls, handle)
	}
}

func removeByHandle(ls []OveruseListener, handle string) []OveruseListener {
	out := ls[:0]
	for _, l := range ls {
		if l.Handle() != handle {
			out = append(out, l)
		}
	}
	return out
}

// dispatch delivers stats to every live system listener and every live
// uid-scoped listener registered for uid. Delivery is best-effort: a
// listener panic is recovered and logged rather than propagated, and a
// failed IsAlive check simply prunes the entry. The ingestion pipeline
// calls this only after releasing e.mu (per §5, the engine never holds
// C4.usage while iterating listeners), so a listener that calls back
// into an e.mu-locking Engine method cannot deadlock.
func (e *Engine) dispatch(uid int32, stat model.PackageIoOveruseStats) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()

	e.sysListeners = e.notifyLive(e.sysListeners, stat)
	if ls, ok := e.perUIDListeners[uid]; ok {
		e.perUIDListeners[uid] = e.notifyLive(ls, stat)
	}
}

func (e *Engine) notifyLive(ls []OveruseListener, stat model.PackageIoOveruseStats) []OveruseListener {
	out := ls[:0]
	for _, l := range ls {
		if !l.IsAlive() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("accounting: listener notify panicked", zap.String("handle", l.Handle()), zap.Any("recover", r))
				}
			}()
			l.Notify(stat)
		}()
		out = append(out, l)
	}
	return out
}
