package voice

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance fires due timers in deadline order, outside the clock lock.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeRecognizer struct {
	mu        sync.Mutex
	starts    int
	stops     int
	languages []string
	startErr  error
}

func (r *fakeRecognizer) Start(language string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	r.languages = append(r.languages, language)
	return r.startErr
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRecognizer) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

type harness struct {
	m       *Machine
	rec     *fakeRecognizer
	clock   *manualClock
	mu      sync.Mutex
	finals  []string
	updates []Snapshot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{rec: &fakeRecognizer{}, clock: &manualClock{}}
	h.m = NewMachine(h.rec, Config{SilenceTimeout: 3 * time.Second, MaxRetries: 3}, zap.NewNop(),
		WithClock(h.clock),
		OnFinal(func(text string) {
			h.mu.Lock()
			h.finals = append(h.finals, text)
			h.mu.Unlock()
		}),
		OnUpdate(func(s Snapshot) {
			h.mu.Lock()
			h.updates = append(h.updates, s)
			h.mu.Unlock()
		}),
	)
	return h
}

func TestStartListensOnce(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Start("en-GB"))
	require.NoError(t, h.m.Start("en-GB"))

	starts, _ := h.rec.counts()
	assert.Equal(t, 1, starts)

	snap := h.m.Snapshot()
	assert.Equal(t, StateListening, snap.State)
	assert.True(t, snap.Listening)
	assert.Equal(t, "en-GB", snap.Language)
}

func TestStartUnsupported(t *testing.T) {
	h := newHarness(t)
	h.m.SetSupported(false)

	err := h.m.Start("")
	require.ErrorIs(t, err, ErrUnsupported)

	snap := h.m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, msgUnsupported, snap.Error)
	starts, _ := h.rec.counts()
	assert.Zero(t, starts)
}

func TestStartOffline(t *testing.T) {
	h := newHarness(t)
	h.m.SetOnline(false)

	require.ErrorIs(t, h.m.Start(""), ErrOffline)
	assert.Equal(t, StateIdle, h.m.Snapshot().State)
}

func TestStartCaptureFailure(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = errors.New("InvalidStateError")

	require.ErrorIs(t, h.m.Start(""), ErrCaptureFailed)
	assert.Equal(t, StateIdle, h.m.Snapshot().State)
	assert.Equal(t, msgStartFailed, h.m.Snapshot().Error)
}

func TestResultsEmitFinalTranscript(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))

	h.m.HandleResult([]Segment{{Text: "hel"}})
	assert.Equal(t, "hel", h.m.Snapshot().Interim)

	h.m.HandleResult([]Segment{{Text: " hello world ", Final: true}, {Text: "and"}})
	snap := h.m.Snapshot()
	assert.Equal(t, "hello world", snap.Transcript)
	assert.Empty(t, snap.Interim)
	assert.Equal(t, []string{"hello world"}, h.finals)
}

func TestSilenceTimeoutStopsCapture(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))

	h.m.HandleResult([]Segment{{Text: "one", Final: true}})
	h.clock.Advance(2 * time.Second)
	h.m.HandleResult([]Segment{{Text: "two"}})
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, StateListening, h.m.Snapshot().State)

	h.clock.Advance(time.Second)
	snap := h.m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "one", snap.Transcript)
	assert.Empty(t, snap.Interim)

	_, stops := h.rec.counts()
	assert.Equal(t, 1, stops)
}

func TestNetworkErrorsBackOffThenGiveUp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		h.m.HandleError("network")
		snap := h.m.Snapshot()
		require.Equal(t, StateErroring, snap.State)
		require.Equal(t, i, snap.RetryCount)
		require.Contains(t, snap.Error, "Network error.")

		h.clock.Advance(delay - time.Millisecond)
		starts, _ := h.rec.counts()
		require.Equal(t, i+1, starts, "restarted too early on attempt %d", i+1)

		h.clock.Advance(time.Millisecond)
		starts, _ = h.rec.counts()
		require.Equal(t, i+2, starts)

		snap = h.m.Snapshot()
		require.Equal(t, StateReconnecting, snap.State)
		require.Equal(t, i+1, snap.RetryCount)
		require.Equal(t, msgReconnecting, snap.Error)
	}

	h.m.HandleError("network")
	snap := h.m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, msgUnableConnect, snap.Error)
	assert.Zero(t, snap.RetryCount)
	assert.ErrorIs(t, h.m.Err(), ErrUnableToConnect)
	assert.Zero(t, h.clock.pending())
}

func TestTerminalErrorsDoNotRetry(t *testing.T) {
	for _, code := range []string{"not-allowed", "service-not-allowed", "no-speech", "audio-capture", "bad-grammar", "aborted"} {
		t.Run(code, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.m.Start(""))

			h.m.HandleError(code)

			snap := h.m.Snapshot()
			assert.Equal(t, StateIdle, snap.State)
			assert.Equal(t, terminalErrors[code], snap.Error)
			assert.Zero(t, snap.RetryCount)
			assert.Zero(t, h.clock.pending())
			assert.False(t, IsRecoverable(code))
		})
	}
}

func TestUnknownErrorIsRecoverable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))

	h.m.HandleError("something-odd")

	snap := h.m.Snapshot()
	assert.Equal(t, StateErroring, snap.State)
	assert.Contains(t, snap.Error, "Connection failed. Retrying in 1 seconds... (1/3)")
	assert.True(t, IsRecoverable("something-odd"))
}

func TestErrorAfterGoingOfflineIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))

	// 先标记离线再上报错误：SetOnline 已经停止捕获，错误被忽略。
	h.m.SetOnline(false)
	h.m.HandleError("network")

	snap := h.m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, msgOffline, snap.Error)
	assert.ErrorIs(t, h.m.Err(), ErrOffline)

	_, stops := h.rec.counts()
	assert.Equal(t, 1, stops)
}

func TestOfflineDuringBackoffFailsOnRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))
	h.m.HandleError("network")

	h.m.SetOnline(false)
	assert.Equal(t, StateIdle, h.m.Snapshot().State)

	h.clock.Advance(10 * time.Second)
	starts, _ := h.rec.counts()
	assert.Equal(t, 1, starts)
}

func TestRepeatedErrorDuringBackoffKeepsSingleRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))

	h.m.HandleError("network")
	h.m.HandleError("network")

	snap := h.m.Snapshot()
	assert.Equal(t, StateErroring, snap.State)
	assert.Equal(t, 0, snap.RetryCount)
	assert.Contains(t, snap.Error, "Retrying in 1 seconds... (1/3)")
	assert.Equal(t, 1, h.clock.pending())

	h.clock.Advance(time.Second)
	starts, _ := h.rec.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, h.m.Snapshot().RetryCount)

	// 重连后的下一次错误仍按 retryCount 计算延迟
	h.m.HandleError("network")
	assert.Contains(t, h.m.Snapshot().Error, "Retrying in 2 seconds... (2/3)")
}

func TestStopCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))
	h.m.HandleError("network")

	h.m.Stop()
	h.clock.Advance(10 * time.Second)

	snap := h.m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.Zero(t, snap.RetryCount)
	starts, _ := h.rec.counts()
	assert.Equal(t, 1, starts)
}

func TestReconnectResumesListening(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))
	h.m.HandleError("network")
	h.clock.Advance(time.Second)

	h.m.HandleStart()
	snap := h.m.Snapshot()
	assert.Equal(t, StateListening, snap.State)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 1, snap.RetryCount)

	h.m.HandleResult([]Segment{{Text: "back", Final: true}})
	assert.Equal(t, []string{"back"}, h.finals)
}

func TestHandleEndReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))
	h.m.HandleResult([]Segment{{Text: "x"}})

	h.m.HandleEnd()

	snap := h.m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Interim)
	assert.Zero(t, h.clock.pending())
}

func TestComingOnlineClearsError(t *testing.T) {
	h := newHarness(t)
	h.m.SetOnline(false)
	require.Equal(t, msgOffline, h.m.Snapshot().Error)

	h.m.SetOnline(true)
	snap := h.m.Snapshot()
	assert.True(t, snap.Online)
	assert.Empty(t, snap.Error)
}

func TestResetTranscriptAndLanguage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))
	h.m.HandleResult([]Segment{{Text: "keep", Final: true}})
	h.m.Stop()

	h.m.ResetTranscript()
	assert.Empty(t, h.m.Snapshot().Transcript)

	h.m.SetLanguage("fr-FR")
	require.NoError(t, h.m.Start(""))
	assert.Equal(t, []string{"en-US", "fr-FR"}, h.rec.languages)
}

func TestSnapshotsAreSequenced(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Start(""))
	h.m.HandleResult([]Segment{{Text: "a"}})
	h.m.Stop()

	require.Len(t, h.updates, 3)
	for i := 1; i < len(h.updates); i++ {
		assert.Greater(t, h.updates[i].Seq, h.updates[i-1].Seq)
	}
}

func TestRealClockSilenceTimeout(t *testing.T) {
	rec := &fakeRecognizer{}
	m := NewMachine(rec, Config{SilenceTimeout: 20 * time.Millisecond, MaxRetries: 3}, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Start(""))
	m.HandleResult([]Segment{{Text: "hi", Final: true}})

	require.Eventually(t, func() bool {
		return m.Snapshot().State == StateIdle
	}, time.Second, 5*time.Millisecond)
}
