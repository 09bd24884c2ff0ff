// Package voice 把浏览器的语音识别能力通过 WebSocket 桥接到语音状态机与对话编排。
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/config"
	"github.com/zhouzirui/zerocode-chat/backend/internal/middleware"
	"github.com/zhouzirui/zerocode-chat/backend/internal/model/account"
	chatService "github.com/zhouzirui/zerocode-chat/backend/internal/service/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/profile"
	voiceService "github.com/zhouzirui/zerocode-chat/backend/internal/service/voice"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	outboxSize   = 64
)

var errConnClosed = errors.New("connection closed")

// WebSocketHandler WebSocket语音处理器
type WebSocketHandler struct {
	cfg      config.VoiceConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(cfg config.VoiceConfig, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		cfg:    cfg,
		logger: logger.With(zap.String("handler", "voice")),
		upgrader: websocket.Upgrader{
			// 来源已由 CORS 配置与 Bearer token 约束
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由，需要已鉴权
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/voice/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CapabilitiesMessage 客户端能力声明
type CapabilitiesMessage struct {
	Recognition *bool `json:"recognition,omitempty"`
	Synthesis   bool  `json:"synthesis"`
	AutoSpeak   bool  `json:"autoSpeak"`
}

// StartMessage 开始识别
type StartMessage struct {
	Language string `json:"language"`
}

// ResultMessage 识别结果
type ResultMessage struct {
	Segments []voiceService.Segment `json:"segments"`
}

// ErrorMessage 识别错误码
type ErrorMessage struct {
	Code string `json:"code"`
}

// ConnectivityMessage 网络状态
type ConnectivityMessage struct {
	Online bool `json:"online"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

type commandPayload struct {
	Action   string `json:"action"`
	Language string `json:"language,omitempty"`
}

type speakPayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// connection 是单个 WebSocket 连接的状态。所有写操作都经由 outbox 交给 writeLoop。
type connection struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	outbox  chan outgoingMessage
	logger  *zap.Logger
	profile *profile.Profile
	user    account.Profile
	machine *voiceService.Machine

	mu        sync.Mutex
	synthesis bool
	autoSpeak bool
}

// remoteRecognizer 把捕获的开始/停止转成发给客户端的 command 事件。
type remoteRecognizer struct {
	c *connection
}

func (r remoteRecognizer) Start(language string) error {
	return r.c.send("command", commandPayload{Action: "start", Language: language})
}

func (r remoteRecognizer) Stop() error {
	return r.c.send("command", commandPayload{Action: "stop"})
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())
	user, _ := middleware.UserFrom(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &connection{
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan outgoingMessage, outboxSize),
		logger:  h.logger.With(zap.String("profile", p.ID), zap.String("user_id", user.ID)),
		profile: p,
		user:    user,
	}
	c.machine = voiceService.NewMachine(remoteRecognizer{c: c}, voiceService.Config{
		SilenceTimeout: h.cfg.SilenceTimeout,
		MaxRetries:     h.cfg.MaxRetries,
		Language:       h.cfg.Language,
	}, c.logger,
		voiceService.OnUpdate(func(s voiceService.Snapshot) { _ = c.send("voice", s) }),
		voiceService.OnFinal(c.handleFinal),
	)
	defer c.machine.Close()

	unsubscribe := p.Subscribe(c.handleReply)
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	defer wg.Wait()
	defer cancel()

	c.logger.Info("voice connection opened")
	_ = c.send("voice", c.machine.Snapshot())

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			c.logger.Info("voice connection closed")
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleMessage(&msg)
	}
}

func (c *connection) handleMessage(msg *inboundMessage) {
	switch msg.Type {
	case "capabilities":
		var caps CapabilitiesMessage
		if !c.decode(msg, &caps) {
			return
		}
		c.mu.Lock()
		c.synthesis = caps.Synthesis
		c.autoSpeak = caps.AutoSpeak
		c.mu.Unlock()
		if caps.Recognition != nil {
			c.machine.SetSupported(*caps.Recognition)
		}
	case "start":
		var start StartMessage
		if len(msg.Data) > 0 && !c.decode(msg, &start) {
			return
		}
		if err := c.machine.Start(start.Language); err != nil {
			c.sendError(err.Error())
		}
	case "started":
		c.machine.HandleStart()
	case "stop":
		c.machine.Stop()
	case "result":
		var result ResultMessage
		if c.decode(msg, &result) {
			c.machine.HandleResult(result.Segments)
		}
	case "error":
		var e ErrorMessage
		if c.decode(msg, &e) {
			c.machine.HandleError(e.Code)
		}
	case "end":
		c.machine.HandleEnd()
	case "connectivity":
		var status ConnectivityMessage
		if c.decode(msg, &status) {
			c.machine.SetOnline(status.Online)
		}
	case "language":
		var lang StartMessage
		if c.decode(msg, &lang) {
			c.machine.SetLanguage(lang.Language)
		}
	case "reset":
		c.machine.ResetTranscript()
	case "text":
		var text TextMessage
		if c.decode(msg, &text) {
			c.sendTurn(text.Text)
		}
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

// handleFinal 在识别出最终文本后发起一轮对话。
func (c *connection) handleFinal(text string) {
	_ = c.send("transcript", TextMessage{Text: text})
	c.sendTurn(text)
}

func (c *connection) sendTurn(text string) {
	turn, err := c.profile.Chat.SendTurn(c.ctx, c.user.Name, text)
	if err != nil {
		if !errors.Is(err, chatService.ErrEmptyMessage) {
			c.sendError(err.Error())
		}
		return
	}
	c.logger.Debug("turn sent", zap.String("chat_id", turn.ChatID))
}

// handleReply 推送回复；客户端支持语音合成且开启自动朗读时追加 speak 事件。
func (c *connection) handleReply(reply chatService.Reply) {
	if err := c.send("reply", reply); err != nil {
		return
	}

	c.mu.Lock()
	speak := c.synthesis && c.autoSpeak
	c.mu.Unlock()

	if speak && reply.Message.Text != "" {
		_ = c.send("speak", speakPayload{ChatID: reply.ChatID, Text: reply.Message.Text})
	}
}

func (c *connection) decode(msg *inboundMessage, dst any) bool {
	if err := json.Unmarshal(msg.Data, dst); err != nil {
		c.sendError("invalid " + msg.Type + " payload")
		return false
	}
	return true
}

func (c *connection) send(kind string, data any) error {
	msg := outgoingMessage{Type: kind, Data: data, Timestamp: time.Now().Unix()}
	select {
	case c.outbox <- msg:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}

func (c *connection) sendError(message string) {
	_ = c.send("error", errorPayload{Message: message})
}

// writeLoop 串行写出消息并定期发送 ping
func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("write failed", zap.String("type", msg.Type), zap.Error(err))
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		}
	}
}
