// Package transfer reports the progress of Sources to TransferListeners.
package transfer

import (
	"context"

	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/pkg/datasource"
)

// Source notifies a listener around each operation of an inner Source. It
// never alters results or errors.
type Source struct {
	inner    datasource.Source
	listener datasource.TransferListener

	spec   datasource.Spec
	opened bool
}

func New(inner datasource.Source, listener datasource.TransferListener) *Source {
	return &Source{
		inner:    inner,
		listener: listener,
	}
}

// NewFactory returns a factory whose sources all report to listeners.
func NewFactory(inner datasource.Factory, listeners ...datasource.TransferListener) datasource.Factory {
	var l datasource.TransferListener = datasource.Listeners(listeners)
	if len(listeners) == 1 {
		l = listeners[0]
	}

	return datasource.FactoryFunc(func() datasource.Source {
		return New(inner.Create(), l)
	})
}

func (s *Source) Open(ctx context.Context, spec datasource.Spec) (int64, error) {
	if s.opened {
		return 0, datasource.ErrAlreadyOpen
	}

	notify("OnOpenStarted", func() { s.listener.OnOpenStarted(s, spec) })

	n, err := s.inner.Open(ctx, spec)
	if err != nil {
		return n, err
	}

	s.spec = spec
	s.opened = true

	if target := s.inner.URI(); target != "" && target != spec.URI {
		notify("OnRedirect", func() { s.listener.OnRedirect(s, spec, target) })
	}

	return n, nil
}

func (s *Source) Read(ctx context.Context, p []byte) (int, error) {
	n, err := s.inner.Read(ctx, p)
	if n > 0 && s.opened {
		notify("OnBytesTransferred", func() { s.listener.OnBytesTransferred(s, s.spec, n) })
	}

	return n, err
}

func (s *Source) URI() string {
	return s.inner.URI()
}

// Close closes the inner source. OnClosed is only reported for a transfer
// that was opened.
func (s *Source) Close() error {
	err := s.inner.Close()

	if s.opened {
		s.opened = false
		notify("OnClosed", func() { s.listener.OnClosed(s, s.spec) })
	}

	return err
}

// notify runs a listener callback. A panicking listener is logged and does not
// affect the transfer.
func notify(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Transfer listener panicked in %s: %v", event, r)
		}
	}()

	fn()
}
