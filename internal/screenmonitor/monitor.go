// Package screenmonitor implements the C5 ScreenMonitor (spec §4.4): a
// periodic tick loop that watches for a window-focus change or a pixel-level
// screen change, runs OCR on the result, and stores it as a screen_capture
// record. Grounded on the retention controller's own ticker/stopCh/doneCh
// lifecycle shape, generalized from a single timer loop to one with an
// extra serialization guard against overlapping ticks.
package screenmonitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/rs/zerolog"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/config"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/memoryservice"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/ocr"
)

const (
	minOcrTextLen         = 10
	maxEmbedTextLen       = 2000
	entityTypeApplication = "application"
	entityTypeWindowTitle = "window-title"
)

// Stats reports the observer's lifetime counters for health introspection.
type Stats struct {
	Ticks    int64
	Captures int64
	Skips    int64
	Overruns int64
	Errors   int64
}

// Monitor is the process-singleton C5 handle.
type Monitor struct {
	cfg      *config.Config
	memSvc   *memoryservice.Service
	ocr      *ocr.Pipeline
	window   ActiveWindowProvider
	idle     IdleProvider
	log      zerolog.Logger

	tickMu sync.Mutex // serializes ticks; an overrunning tick causes the next to be dropped

	// observable state (spec §4.4 invariant: these four fields ARE the
	// observer's full observable state)
	stateMu           sync.Mutex
	lastAppName       string
	lastWindowTitle   string
	lastScreenshotPNG []byte
	lastTextHash      string

	ticks, captures, skips, overruns, errs int64

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
}

// New builds a ScreenMonitor. window/idle may be nil to use the best-effort
// OS defaults.
func New(cfg *config.Config, memSvc *memoryservice.Service, pipeline *ocr.Pipeline, window ActiveWindowProvider, idle IdleProvider, log zerolog.Logger) *Monitor {
	if window == nil {
		window = NewOSWindowProvider()
	}
	if idle == nil {
		idle = DefaultIdleProvider{}
	}
	return &Monitor{
		cfg:    cfg,
		memSvc: memSvc,
		ocr:    pipeline,
		window: window,
		idle:   idle,
		log:    log.With().Str("component", "screen_monitor").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start blocks, running a tick every captureIntervalMs until the context is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.MonitorScreenOCR {
		m.log.Info().Msg("screen monitor disabled, not starting")
		return
	}
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		m.running.Store(false)
		close(m.doneCh)
	}()

	interval := time.Duration(m.cfg.ScreenCaptureIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}

	m.log.Info().Dur("interval", interval).Msg("starting screen monitor")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runTick(ctx)
		}
	}
}

// Stop signals the monitor to exit. It awaits the in-flight tick up to 10s
// before returning (spec §5), then terminates the OCR worker.
func (m *Monitor) Stop() {
	if !m.running.Load() {
		return
	}
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.tickMu.Lock()
		m.tickMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.log.Warn().Msg("screen monitor tick did not finish within shutdown grace period")
	}

	if err := m.ocr.Close(); err != nil {
		m.log.Warn().Err(err).Msg("failed to close ocr worker")
	}
}

// Wait blocks until the monitor loop has fully exited.
func (m *Monitor) Wait() {
	<-m.doneCh
}

// runTick serializes ticks: if the previous tick is still running, this one
// is dropped and counted as an overrun rather than queued (spec §5).
func (m *Monitor) runTick(ctx context.Context) {
	if !m.tickMu.TryLock() {
		atomic.AddInt64(&m.overruns, 1)
		return
	}
	defer m.tickMu.Unlock()

	atomic.AddInt64(&m.ticks, 1)
	if err := m.tick(ctx); err != nil {
		atomic.AddInt64(&m.errs, 1)
		m.log.Warn().Err(err).Msg("screen monitor tick failed")
	}
}

func (m *Monitor) tick(ctx context.Context) error {
	idleFor, err := m.idle.IdleDuration(ctx)
	if err == nil {
		idleTimeout := time.Duration(m.cfg.ScreenCaptureIdleTimeoutMs) * time.Millisecond
		if idleTimeout > 0 && idleFor >= idleTimeout {
			atomic.AddInt64(&m.skips, 1)
			return nil
		}
	}

	appName, windowTitle, err := m.window.ActiveWindow(ctx)
	if err != nil {
		return err
	}

	m.stateMu.Lock()
	titleChanged := appName != m.lastAppName || windowTitle != m.lastWindowTitle
	prevPNG := m.lastScreenshotPNG
	m.stateMu.Unlock()

	pngBytes, err := capturePNG()
	if err != nil {
		return err
	}

	if !titleChanged {
		ratio := pixelDiffRatio(prevPNG, pngBytes)
		if ratio <= m.cfg.ScreenCaptureDiffThreshold {
			m.stateMu.Lock()
			m.lastScreenshotPNG = pngBytes
			m.stateMu.Unlock()
			atomic.AddInt64(&m.skips, 1)
			return nil
		}
	}

	extract, err := m.ocr.ExtractText(pngBytes)
	if err != nil {
		return err
	}
	processed := m.ocr.Process(extract.Text)

	m.stateMu.Lock()
	m.lastAppName = appName
	m.lastWindowTitle = windowTitle
	m.lastScreenshotPNG = pngBytes
	m.stateMu.Unlock()

	if len([]rune(processed.CleanedText)) < minOcrTextLen {
		atomic.AddInt64(&m.skips, 1)
		return nil
	}

	m.stateMu.Lock()
	changed, hash := ocr.TextChanged(processed.CleanedText, m.lastTextHash)
	m.lastTextHash = hash
	m.stateMu.Unlock()
	if !changed {
		atomic.AddInt64(&m.skips, 1)
		return nil
	}

	combined := appName + " " + windowTitle + " " + processed.CleanedText
	if runes := []rune(combined); len(runes) > maxEmbedTextLen {
		combined = string(runes[:maxEmbedTextLen])
	}

	_, err = m.memSvc.Store(ctx, memoryservice.StorePayload{
		Text:          combined,
		UserID:        m.cfg.MonitorUserID,
		Type:          "screen_capture",
		Screenshot:    base64.StdEncoding.EncodeToString(pngBytes),
		ExtractedText: processed.CleanedText,
		Entities: []memoryservice.EntityInput{
			{Type: entityTypeApplication, Value: appName},
			{Type: entityTypeWindowTitle, Value: windowTitle},
		},
	})
	if err != nil {
		return err
	}

	atomic.AddInt64(&m.captures, 1)
	return nil
}

// capturePNG grabs the primary display and PNG-encodes it.
func capturePNG() ([]byte, error) {
	img, err := screenshot.CaptureDisplay(0)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stats returns a snapshot of the monitor's lifetime counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Ticks:    atomic.LoadInt64(&m.ticks),
		Captures: atomic.LoadInt64(&m.captures),
		Skips:    atomic.LoadInt64(&m.skips),
		Overruns: atomic.LoadInt64(&m.overruns),
		Errors:   atomic.LoadInt64(&m.errs),
	}
}
