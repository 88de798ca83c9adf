package main

import (
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/NamanBalaji/upstream/pkg/datasource"
)

// progressListener drives a terminal progress bar from transfer events.
type progressListener struct {
	bar *progressbar.ProgressBar
}

func newProgressListener(description string, quiet bool) *progressListener {
	bar := progressbar.NewOptions64(datasource.LengthUnbounded,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(!quiet),
		progressbar.OptionOnCompletion(func() { _, _ = os.Stderr.WriteString("\n") }),
	)

	return &progressListener{bar: bar}
}

// SetTotal switches the bar from a spinner to a bounded bar.
func (p *progressListener) SetTotal(total int64) {
	if total >= 0 {
		p.bar.ChangeMax64(total)
	}
}

func (p *progressListener) OnOpenStarted(datasource.Source, datasource.Spec) {}

func (p *progressListener) OnBytesTransferred(_ datasource.Source, _ datasource.Spec, n int) {
	_ = p.bar.Add(n)
}

func (p *progressListener) OnRedirect(_ datasource.Source, _ datasource.Spec, uri string) {
	p.bar.Describe("-> " + uri)
}

func (p *progressListener) OnClosed(datasource.Source, datasource.Spec) {}

func (p *progressListener) Finish() {
	_ = p.bar.Finish()
}
