package datasource

// TransferListener observes Source operations. Callbacks run synchronously on
// the goroutine performing the operation, in operation order. A listener shared
// between sources must be safe for concurrent use.
type TransferListener interface {
	OnOpenStarted(src Source, spec Spec)
	OnBytesTransferred(src Source, spec Spec, n int)
	OnRedirect(src Source, spec Spec, target string)
	OnClosed(src Source, spec Spec)
}

// ListenerFuncs implements TransferListener with optional callbacks.
type ListenerFuncs struct {
	OpenStarted      func(src Source, spec Spec)
	BytesTransferred func(src Source, spec Spec, n int)
	Redirect         func(src Source, spec Spec, target string)
	Closed           func(src Source, spec Spec)
}

func (l ListenerFuncs) OnOpenStarted(src Source, spec Spec) {
	if l.OpenStarted != nil {
		l.OpenStarted(src, spec)
	}
}

func (l ListenerFuncs) OnBytesTransferred(src Source, spec Spec, n int) {
	if l.BytesTransferred != nil {
		l.BytesTransferred(src, spec, n)
	}
}

func (l ListenerFuncs) OnRedirect(src Source, spec Spec, target string) {
	if l.Redirect != nil {
		l.Redirect(src, spec, target)
	}
}

func (l ListenerFuncs) OnClosed(src Source, spec Spec) {
	if l.Closed != nil {
		l.Closed(src, spec)
	}
}

// Listeners fans every event out to each listener in order.
type Listeners []TransferListener

func (ls Listeners) OnOpenStarted(src Source, spec Spec) {
	for _, l := range ls {
		l.OnOpenStarted(src, spec)
	}
}

func (ls Listeners) OnBytesTransferred(src Source, spec Spec, n int) {
	for _, l := range ls {
		l.OnBytesTransferred(src, spec, n)
	}
}

func (ls Listeners) OnRedirect(src Source, spec Spec, target string) {
	for _, l := range ls {
		l.OnRedirect(src, spec, target)
	}
}

func (ls Listeners) OnClosed(src Source, spec Spec) {
	for _, l := range ls {
		l.OnClosed(src, spec)
	}
}
