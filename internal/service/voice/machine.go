// Package voice 实现语音输入状态机：包装客户端的语音识别能力，处理静音超时、
// 网络状态以及带指数退避的重连。
package voice

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State 是状态机所处的阶段。
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateErroring     State = "erroring"
	StateReconnecting State = "reconnecting"
)

// Recognizer 是底层的语音捕获能力，同一时刻最多只有一个活动捕获。
type Recognizer interface {
	Start(language string) error
	Stop() error
}

// Segment is one recognition result segment.
type Segment struct {
	Text  string `json:"text"`
	Final bool   `json:"isFinal"`
}

// Snapshot is the observable state after a transition. Seq increases with
// every emitted snapshot so consumers can drop out-of-order deliveries.
type Snapshot struct {
	Seq        uint64 `json:"seq"`
	State      State  `json:"state"`
	Listening  bool   `json:"isListening"`
	Transcript string `json:"transcript"`
	Interim    string `json:"interimTranscript"`
	RetryCount int    `json:"retryCount"`
	Error      string `json:"error,omitempty"`
	Online     bool   `json:"isOnline"`
	Supported  bool   `json:"isSupported"`
	Language   string `json:"language"`
}

// Config tunes the machine.
type Config struct {
	SilenceTimeout time.Duration
	MaxRetries     int
	Language       string
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock replaces the timer source.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// OnUpdate registers the snapshot consumer.
func OnUpdate(fn func(Snapshot)) Option {
	return func(m *Machine) { m.onUpdate = fn }
}

// OnFinal registers the consumer of final transcripts.
func OnFinal(fn func(string)) Option {
	return func(m *Machine) { m.onFinal = fn }
}

// Machine 串行化所有状态转换；回调在锁外触发，可以安全地回调 Machine。
type Machine struct {
	mu     sync.Mutex
	rec    Recognizer
	clock  Clock
	cfg    Config
	logger *zap.Logger
	bo     *backoff.ExponentialBackOff

	onUpdate func(Snapshot)
	onFinal  func(string)

	state      State
	transcript string
	interim    string
	retryCount int
	lastError  string
	terminal   error
	online     bool
	supported  bool
	language   string
	seq        uint64

	silenceTimer Timer
	silenceGen   uint64
	retryTimer   Timer
	retryGen     uint64
}

// NewMachine creates an idle machine. The recognition capability is assumed
// present and the network online until told otherwise.
func NewMachine(rec Recognizer, cfg Config, logger *zap.Logger, opts ...Option) *Machine {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}

	m := &Machine{
		rec:       rec,
		clock:     realClock{},
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "voice")),
		bo:        newBackOff(),
		state:     StateIdle,
		online:    true,
		supported: true,
		language:  cfg.Language,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// 1s, 2s, 4s ... 没有抖动，也没有总时长上限（次数由 MaxRetries 控制）。
func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

type effects struct {
	final    string
	hasFinal bool
}

// apply runs fn under the lock and delivers callbacks after unlocking.
func (m *Machine) apply(fn func(*effects) error) error {
	var fx effects

	m.mu.Lock()
	err := fn(&fx)
	m.seq++
	snap := m.snapshotLocked()
	onFinal, onUpdate := m.onFinal, m.onUpdate
	m.mu.Unlock()

	if fx.hasFinal && onFinal != nil {
		onFinal(fx.final)
	}
	if onUpdate != nil {
		onUpdate(snap)
	}
	return err
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Seq:        m.seq,
		State:      m.state,
		Listening:  m.state == StateListening,
		Transcript: m.transcript,
		Interim:    m.interim,
		RetryCount: m.retryCount,
		Error:      m.lastError,
		Online:     m.online,
		Supported:  m.supported,
		Language:   m.language,
	}
}

// Err returns the sentinel of the last terminal failure, nil when none.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// SetSupported records whether the client has a recognition capability.
func (m *Machine) SetSupported(supported bool) {
	_ = m.apply(func(*effects) error {
		m.supported = supported
		return nil
	})
}

// Start 开始一次新的捕获。已在捕获中时为空操作。
func (m *Machine) Start(language string) error {
	return m.apply(func(*effects) error {
		if language != "" {
			m.language = language
		}
		if !m.supported {
			m.lastError = msgUnsupported
			return ErrUnsupported
		}
		if !m.online {
			m.lastError = msgOffline
			return ErrOffline
		}
		if m.state == StateListening || m.state == StateReconnecting {
			return nil
		}

		m.resetLocked()
		m.lastError = ""
		m.transcript = ""

		if err := m.rec.Start(m.language); err != nil {
			m.logger.Warn("capture start failed", zap.Error(err))
			m.lastError = msgStartFailed
			return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
		}

		m.state = StateListening
		m.logger.Debug("listening", zap.String("language", m.language))
		return nil
	})
}

// Stop ends capture and clears timers, interim text, retries and errors.
// The last final transcript is kept.
func (m *Machine) Stop() {
	_ = m.apply(func(*effects) error {
		m.stopLocked()
		m.lastError = ""
		return nil
	})
}

// HandleStart 表示底层捕获已真正开始（重连成功）。
func (m *Machine) HandleStart() {
	_ = m.apply(func(*effects) error {
		if m.state == StateReconnecting {
			m.state = StateListening
			m.lastError = ""
		}
		return nil
	})
}

// HandleResult consumes a recognition event.
func (m *Machine) HandleResult(segments []Segment) {
	_ = m.apply(func(fx *effects) error {
		if m.state == StateIdle || m.state == StateErroring {
			return nil
		}
		if m.state == StateReconnecting {
			m.state = StateListening
			m.lastError = ""
		}

		var final, interim strings.Builder
		for _, seg := range segments {
			if seg.Final {
				final.WriteString(seg.Text)
			} else {
				interim.WriteString(seg.Text)
			}
		}

		if text := strings.TrimSpace(final.String()); text != "" {
			m.transcript = text
			m.interim = ""
			fx.final, fx.hasFinal = text, true
		} else {
			m.interim = interim.String()
		}

		m.armSilenceLocked()
		return nil
	})
}

// HandleError consumes a capture error code.
func (m *Machine) HandleError(code string) {
	_ = m.apply(func(*effects) error {
		// 退避期间已有一次重连在排队，重复的错误不再推进计时
		if m.state == StateIdle || m.state == StateErroring {
			return nil
		}

		m.cancelSilenceLocked()
		m.interim = ""
		m.logger.Info("capture error", zap.String("code", code), zap.Int("retry", m.retryCount))

		if msg, terminal := terminalErrors[code]; terminal {
			m.failLocked(msg, fmt.Errorf("capture error %q", code))
			return nil
		}

		m.scheduleRetryLocked(code)
		return nil
	})
}

// HandleEnd 表示捕获自行结束。错误重试期间忽略。
func (m *Machine) HandleEnd() {
	_ = m.apply(func(*effects) error {
		if m.state == StateListening || m.state == StateReconnecting {
			m.cancelSilenceLocked()
			m.interim = ""
			m.state = StateIdle
		}
		return nil
	})
}

// SetOnline updates connectivity. Going offline while active stops capture.
func (m *Machine) SetOnline(online bool) {
	_ = m.apply(func(*effects) error {
		m.online = online
		if online {
			m.lastError = ""
			return nil
		}

		if m.state != StateIdle {
			m.stopLocked()
			m.terminal = ErrOffline
		}
		m.lastError = msgOffline
		return nil
	})
}

// ResetTranscript clears final and interim text.
func (m *Machine) ResetTranscript() {
	_ = m.apply(func(*effects) error {
		m.transcript = ""
		m.interim = ""
		return nil
	})
}

// SetLanguage changes the language used by subsequent captures.
func (m *Machine) SetLanguage(language string) {
	_ = m.apply(func(*effects) error {
		if language != "" {
			m.language = language
		}
		return nil
	})
}

// Close 停止捕获并释放定时器，不再触发回调。
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		m.stopLocked()
	}
	m.onUpdate = nil
	m.onFinal = nil
}

func (m *Machine) scheduleRetryLocked(code string) {
	if m.retryCount >= m.cfg.MaxRetries {
		m.logger.Warn("giving up after retries", zap.Int("retries", m.retryCount))
		m.failLocked(msgUnableConnect, ErrUnableToConnect)
		return
	}

	m.cancelRetryLocked()
	delay := m.retryDelayLocked()
	m.state = StateErroring
	prefix := "Connection failed."
	if code == "network" {
		prefix = "Network error."
	}
	m.lastError = fmt.Sprintf("%s Retrying in %d seconds... (%d/%d)", prefix, int(delay/time.Second), m.retryCount+1, m.cfg.MaxRetries)

	m.retryGen++
	gen := m.retryGen
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
}

// retryDelayLocked 按 retryCount 计算延迟（2^retryCount 秒），与之前调用了几次 NextBackOff 无关。
func (m *Machine) retryDelayLocked() time.Duration {
	m.bo.Reset()
	delay := m.bo.NextBackOff()
	for i := 0; i < m.retryCount; i++ {
		delay = m.bo.NextBackOff()
	}
	return delay
}

func (m *Machine) reconnect(gen uint64) {
	_ = m.apply(func(*effects) error {
		if gen != m.retryGen || m.state != StateErroring {
			return nil
		}
		m.retryTimer = nil
		m.retryCount++

		if !m.online {
			m.failLocked(msgOffline, ErrOffline)
			return nil
		}

		m.state = StateReconnecting
		m.lastError = msgReconnecting
		if err := m.rec.Start(m.language); err != nil {
			m.logger.Warn("restart failed", zap.Error(err))
			m.scheduleRetryLocked("restart")
		}
		return nil
	})
}

func (m *Machine) armSilenceLocked() {
	m.cancelSilenceLocked()
	m.silenceGen++
	gen := m.silenceGen
	m.silenceTimer = m.clock.AfterFunc(m.cfg.SilenceTimeout, func() { m.silenceExpired(gen) })
}

func (m *Machine) silenceExpired(gen uint64) {
	_ = m.apply(func(*effects) error {
		if gen != m.silenceGen || m.state != StateListening {
			return nil
		}
		m.logger.Debug("silence timeout, stopping capture")
		m.stopLocked()
		m.lastError = ""
		return nil
	})
}

// failLocked moves to Idle with a terminal error.
func (m *Machine) failLocked(msg string, err error) {
	m.cancelRetryLocked()
	m.state = StateIdle
	m.lastError = msg
	m.terminal = err
	m.retryCount = 0
	m.bo.Reset()
}

// stopLocked ends any capture and clears transient state.
func (m *Machine) stopLocked() {
	if m.state == StateListening || m.state == StateReconnecting {
		if err := m.rec.Stop(); err != nil {
			m.logger.Warn("capture stop failed", zap.Error(err))
		}
	}
	m.resetLocked()
	m.state = StateIdle
}

func (m *Machine) resetLocked() {
	m.cancelSilenceLocked()
	m.cancelRetryLocked()
	m.interim = ""
	m.retryCount = 0
	m.terminal = nil
	m.bo.Reset()
}

func (m *Machine) cancelSilenceLocked() {
	m.silenceGen++
	if m.silenceTimer != nil {
		m.silenceTimer.Stop()
		m.silenceTimer = nil
	}
}

func (m *Machine) cancelRetryLocked() {
	m.retryGen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
