package voice

import "errors"

var (
	ErrUnsupported     = errors.New("speech recognition is not supported in this browser")
	ErrOffline         = errors.New("no internet connection")
	ErrUnableToConnect = errors.New("unable to connect to speech recognition service")
	ErrCaptureFailed   = errors.New("failed to start speech recognition")
)

// 面向用户的错误提示。
const (
	msgUnsupported   = "Speech recognition is not supported in this browser. Please use Chrome, Edge, or Safari."
	msgOffline       = "No internet connection. Speech recognition requires an internet connection."
	msgStartFailed   = "Failed to start speech recognition. Please check your microphone permissions and try again."
	msgUnableConnect = "Network error: Unable to connect to speech recognition service. Please check your internet connection and try again later."
	msgReconnecting  = "Reconnecting..."
)

// 不可恢复的错误码及其提示，命中后直接回到 Idle 且不重试。
var terminalErrors = map[string]string{
	"no-speech":           "No speech detected. Please try speaking more clearly.",
	"audio-capture":       "Microphone not accessible. Please check permissions and ensure no other app is using the microphone.",
	"not-allowed":         "Microphone access denied. Please click the microphone icon in your browser and allow access.",
	"service-not-allowed": "Speech recognition service not allowed. Please check your browser settings.",
	"bad-grammar":         "Speech recognition failed. Please try again with clearer speech.",
	// 浏览器的识别 hook 会对 aborted 重试；这里视为用户或页面主动中止，不再重连。
	"aborted": "Speech recognition was aborted.",
}

// IsRecoverable reports whether an error code is retried with backoff.
func IsRecoverable(code string) bool {
	_, terminal := terminalErrors[code]
	return !terminal
}
