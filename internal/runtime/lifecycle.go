package runtime

// LifecycleKind names a server lifecycle notification.
type LifecycleKind int

const (
	// LifecycleBound fires once per Bind call that reached the transports.
	LifecycleBound LifecycleKind = iota
	// LifecycleServing fires after every transport started.
	LifecycleServing
	// LifecycleStopped fires after End attempted every transport.
	LifecycleStopped
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleBound:
		return "bound"
	case LifecycleServing:
		return "serving"
	case LifecycleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LifecycleEvent is delivered to lifecycle listeners. Service is set for
// bound events only.
type LifecycleEvent struct {
	Kind       LifecycleKind
	Service    string
	Transports []string
}

// LifecycleListener observes server lifecycle events. It runs synchronously
// on the goroutine calling Bind, Start or End.
type LifecycleListener func(LifecycleEvent)

// OnLifecycle registers l for every future lifecycle event.
func (s *Server) OnLifecycle(l LifecycleListener) {
	if l == nil {
		return
	}
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.lifecycle = append(s.lifecycle, l)
}

func (s *Server) notify(ev LifecycleEvent) {
	s.lifecycleMu.RLock()
	listeners := append([]LifecycleListener(nil), s.lifecycle...)
	s.lifecycleMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
