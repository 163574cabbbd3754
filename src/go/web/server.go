package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"whatsapp-gateway/src/go/bot"
	"whatsapp-gateway/src/go/gateway"
	"whatsapp-gateway/src/go/store"
)

// Server is the HTTP surface for session onboarding and settings
// management, plus a WebSocket feed of gateway events.
type Server struct {
	manager  *gateway.Manager
	store    *store.Store
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

func New(manager *gateway.Manager, settingsStore *store.Store, logger *logrus.Logger) *Server {
	return &Server{
		manager: manager,
		store:   settingsStore,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetupRoutes configures the HTTP and WebSocket routes.
func (s *Server) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	router.POST("/api/check-session", s.handleCheckSession)
	router.POST("/api/init-session", s.handleInitSession)
	router.GET("/api/session-poll", s.handleSessionPoll)
	router.GET("/api/bots", s.handleListBots)
	router.POST("/api/select-bot", s.handleSelectBot)
	router.POST("/api/submit", s.handleSubmit)
	router.GET("/ws/events", s.handleWebSocketEvents)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":          "ok",
			"active_sessions": s.manager.ActiveSessionCount(),
		})
	})

	return router
}

type checkSessionRequest struct {
	WhatsappNumber string `json:"whatsapp_number" binding:"required"`
}

// handleCheckSession reports whether the number is registered and whether
// its session is currently live in this process.
func (s *Server) handleCheckSession(c *gin.Context) {
	var req checkSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "whatsapp_number is required"})
		return
	}

	status, err := s.store.GetUserStatus(c.Request.Context(), req.WhatsappNumber)
	if err != nil {
		s.logger.Errorf("Session check failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session check failed"})
		return
	}

	active := s.manager.CheckSession(req.WhatsappNumber)

	state := "new"
	switch {
	case active:
		state = "active"
	case status != nil && status.Online:
		// The account was online at last shutdown but has no live socket;
		// bring it back while the caller polls.
		state = "reconnecting"
		go func() {
			if err := s.manager.StartSession(context.Background(), req.WhatsappNumber, false); err != nil && err != gateway.ErrSessionActive {
				s.logger.Errorf("Background reconnect of %s failed: %v", req.WhatsappNumber, err)
			}
		}()
	}

	resp := gin.H{
		"exists": status != nil,
		"online": status != nil && status.Online,
		"active": active,
		"status": state,
	}
	if status != nil {
		resp["bot_name"] = status.BotName
		resp["bot_version"] = status.BotVersion
	}
	c.JSON(200, resp)
}

type initSessionRequest struct {
	WhatsappNumber string `json:"whatsapp_number" binding:"required"`
	UsePairingCode bool   `json:"use_pairing_code"`
}

// handleInitSession kicks off authentication in the background; the caller
// follows progress via the poll endpoint.
func (s *Server) handleInitSession(c *gin.Context) {
	var req initSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "whatsapp_number is required"})
		return
	}
	if gateway.NormalizeIdentity(req.WhatsappNumber) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "whatsapp_number must contain digits"})
		return
	}

	go func() {
		if err := s.manager.StartSession(context.Background(), req.WhatsappNumber, req.UsePairingCode); err != nil {
			if err == gateway.ErrSessionActive {
				s.logger.Infof("Init request for already-active session %s", req.WhatsappNumber)
				return
			}
			s.logger.Errorf("Session init failed for %s: %v", req.WhatsappNumber, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "initializing"})
}

func (s *Server) handleSessionPoll(c *gin.Context) {
	number := c.Query("number")
	if number == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "number query parameter is required"})
		return
	}
	c.JSON(200, s.manager.PollSession(number))
}

func (s *Server) handleListBots(c *gin.Context) {
	bots, err := s.store.GetAvailableBots(c.Request.Context())
	if err != nil {
		s.logger.Errorf("Bot listing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bot listing failed"})
		return
	}
	c.JSON(200, gin.H{"bots": bots})
}

type selectBotRequest struct {
	WhatsappNumber string `json:"whatsapp_number" binding:"required"`
	BotName        string `json:"bot_name" binding:"required"`
}

// handleSelectBot records the chosen bot flavor for an account.
func (s *Server) handleSelectBot(c *gin.Context) {
	var req selectBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "whatsapp_number and bot_name are required"})
		return
	}

	ctx := c.Request.Context()
	settings, err := s.store.GetSettingsByJID(ctx, req.WhatsappNumber)
	if err != nil {
		s.logger.Errorf("Bot selection lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bot selection failed"})
		return
	}

	update := store.UserSettingsUpdate{
		WhatsappNumber: req.WhatsappNumber,
		BotName:        req.BotName,
	}
	if settings != nil {
		update.Settings = *settings
	} else {
		update.Prefix = store.DefaultPrefix
		update.Mode = store.DefaultMode
	}
	if err := s.store.UpdateUserSettings(ctx, update); err != nil {
		s.logger.Errorf("Bot selection failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bot selection failed"})
		return
	}
	c.JSON(200, gin.H{"status": "ok", "bot_name": req.BotName})
}

// submitRequest is the settings form. Toggle fields arrive as the strings
// "true" or "false" from the form layer, anything else counts as false.
type submitRequest struct {
	WhatsappNumber      string `json:"whatsapp_number" binding:"required"`
	WhatsappName        string `json:"whatsapp_name"`
	BotName             string `json:"bot_name"`
	AutoRead            string `json:"autoread"`
	AutoViewStatus      string `json:"autoviewstatus"`
	AutoRecordingTyping string `json:"autorecordingtyping"`
	AutoTyping          string `json:"auto_typing"`
	AutoRecording       string `json:"auto_recording"`
	AntiDelete          string `json:"anti_delete"`
	AlwaysOnline        string `json:"always_online"`
	Mode                string `json:"mode"`
	Prefix              string `json:"prefix"`
	SudoNumbers         string `json:"sudo_numbers"`
}

func formBool(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// normalizeSudoList reduces each entry to digits and deduplicates,
// always including the developer number for the chosen bot.
func normalizeSudoList(raw, developerNumber string) string {
	seen := make(map[string]bool)
	var out []string
	add := func(entry string) {
		n := gateway.NormalizeIdentity(entry)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, entry := range strings.Split(raw, ",") {
		add(entry)
	}
	add(developerNumber)
	return strings.Join(out, ",")
}

// handleSubmit applies a full settings submission and confirms it in-chat
// when the account has a live session.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "whatsapp_number is required"})
		return
	}

	ctx := c.Request.Context()
	_, developerNumber := s.store.GetDeveloperContact(ctx, req.BotName)

	update := store.UserSettingsUpdate{
		WhatsappNumber: req.WhatsappNumber,
		WhatsappName:   req.WhatsappName,
		BotName:        req.BotName,
		Settings: bot.Settings{
			AutoRead:            formBool(req.AutoRead),
			AutoViewStatus:      formBool(req.AutoViewStatus),
			AutoRecordingTyping: formBool(req.AutoRecordingTyping),
			AutoTyping:          formBool(req.AutoTyping),
			AutoRecording:       formBool(req.AutoRecording),
			AntiDelete:          formBool(req.AntiDelete),
			AlwaysOnline:        formBool(req.AlwaysOnline),
			Mode:                req.Mode,
			Prefix:              req.Prefix,
			SudoNumbers:         normalizeSudoList(req.SudoNumbers, developerNumber),
		},
	}
	if err := s.store.UpdateUserSettings(ctx, update); err != nil {
		s.logger.Errorf("Settings submit failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settings update failed"})
		return
	}

	// Confirmation is best-effort; applied settings are not contingent on it.
	if s.manager.CheckSession(req.WhatsappNumber) {
		notice := fmt.Sprintf("Settings updated at %s.", time.Now().Format("15:04:05"))
		if err := s.manager.SendText(ctx, req.WhatsappNumber, notice); err != nil {
			s.logger.Debugf("Settings confirmation not delivered: %v", err)
		}
	}

	c.JSON(200, gin.H{"status": "ok"})
}

// handleWebSocketEvents streams gateway events to a WebSocket client.
func (s *Server) handleWebSocketEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.logger.Info("Event stream client connected")

	var writeMu sync.Mutex
	done := make(chan struct{})

	go s.forwardEvents(conn, &writeMu, done)

	// Drain client frames to notice disconnects; inbound content is ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.logger.Debugf("Event stream client disconnected: %v", err)
			close(done)
			return
		}
	}
}

func (s *Server) forwardEvents(conn *websocket.Conn, mu *sync.Mutex, done chan struct{}) {
	eventChan := s.manager.GetEventChannel()
	for {
		select {
		case <-done:
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			mu.Lock()
			err := conn.WriteJSON(event)
			mu.Unlock()
			if err != nil {
				s.logger.Errorf("Failed to forward event: %v", err)
				return
			}
		}
	}
}
