package transfer

import (
	"sync"
	"time"

	"github.com/NamanBalaji/upstream/pkg/datasource"
)

const (
	sampleInterval  = 500 * time.Millisecond
	smoothingWindow = 5 * time.Second
)

// Snapshot is the state of a Meter at one point in time. Total is -1 while
// unknown.
type Snapshot struct {
	Total       int64
	Transferred int64
	Percentage  float64
	SpeedBPS    int64
	ETA         time.Duration
	Transfers   int
	Redirects   int
}

type sample struct {
	t     time.Time
	bytes int64
}

// Meter is a TransferListener that totals bytes across any number of sources
// and derives a speed smoothed over the last few seconds. It is safe for
// concurrent use.
type Meter struct {
	mu sync.Mutex

	total       int64
	transferred int64
	transfers   int
	redirects   int
	history     []sample

	now func() time.Time
}

func NewMeter() *Meter {
	return &Meter{
		total: datasource.LengthUnbounded,
		now:   time.Now,
	}
}

// SetTotal sets the number of bytes expected across all transfers.
func (m *Meter) SetTotal(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total = total
}

func (m *Meter) OnOpenStarted(datasource.Source, datasource.Spec) {}

func (m *Meter) OnBytesTransferred(_ datasource.Source, _ datasource.Spec, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transferred += int64(n)
	m.sampleLocked(false)
}

func (m *Meter) OnRedirect(datasource.Source, datasource.Spec, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.redirects++
}

func (m *Meter) OnClosed(datasource.Source, datasource.Spec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transfers++
}

// sampleLocked records the transferred count at most once per sample
// interval, unless forced, and drops samples older than the window.
func (m *Meter) sampleLocked(force bool) {
	now := m.now()

	if n := len(m.history); n > 0 && !force && now.Sub(m.history[n-1].t) < sampleInterval {
		return
	}

	m.history = append(m.history, sample{t: now, bytes: m.transferred})

	cutoff := now.Add(-smoothingWindow)
	for len(m.history) > 1 && m.history[0].t.Before(cutoff) {
		m.history = m.history[1:]
	}
}

func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sampleLocked(true)

	var speedBPS int64

	if len(m.history) >= 2 {
		oldest := m.history[0]
		latest := m.history[len(m.history)-1]

		elapsed := latest.t.Sub(oldest.t).Seconds()
		if elapsed > 0 {
			speedBPS = int64(float64(latest.bytes-oldest.bytes) / elapsed)
		}
	}

	var eta time.Duration

	if speedBPS > 0 && m.total > 0 {
		remaining := m.total - m.transferred
		if remaining > 0 {
			eta = time.Duration(float64(remaining) / float64(speedBPS) * float64(time.Second))
		}
	}

	percentage := 0.0
	if m.total > 0 {
		percentage = float64(m.transferred) / float64(m.total) * 100
		if m.transferred >= m.total {
			percentage = 100
		}
	}

	return Snapshot{
		Total:       m.total,
		Transferred: m.transferred,
		Percentage:  percentage,
		SpeedBPS:    speedBPS,
		ETA:         eta,
		Transfers:   m.transfers,
		Redirects:   m.redirects,
	}
}
