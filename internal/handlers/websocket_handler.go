package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/services"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/config"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/jwt"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/logger"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler WebSocket处理器，推送批次投递进度
type WebSocketHandler struct {
	upgrader        websocket.Upgrader
	tracker         *queue.ProgressTracker
	dispatchService *services.BatchDispatchService
	log             *logrus.Logger
	jwtManager      *jwt.JWTManager
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(tracker *queue.ProgressTracker, dispatchService *services.BatchDispatchService) *WebSocketHandler {
	// 获取CORS配置
	cfg := config.GetConfig()
	allowedOrigins := cfg.CORS.AllowOrigins

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")

				for _, allowed := range allowedOrigins {
					if allowed == "*" {
						return true
					}
				}

				// Origin为空（同源请求），允许
				if origin == "" {
					return true
				}

				for _, allowed := range allowedOrigins {
					if matchOrigin(origin, allowed) {
						return true
					}
				}

				logger.GetLogger().Warnf("WebSocket连接被拒绝，非法Origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 4,
		},
		tracker:         tracker,
		dispatchService: dispatchService,
		log:             logger.GetLogger(),
		jwtManager:      jwt.GetJWTManager(), // 使用全局JWT管理器
	}
}

// BatchProgress 处理批次进度的WebSocket连接
// 连接后先推送一次当前快照，之后转发批次频道的进度消息；
// 批次结束且宽限期过后关闭连接
func (h *WebSocketHandler) BatchProgress(c *gin.Context) {
	batchID := c.Param("batchId")
	if batchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "批次ID不能为空"})
		return
	}

	// 从查询参数获取token（WebSocket不支持自定义header）
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少认证令牌"})
		return
	}

	claims, err := h.jwtManager.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的令牌"})
		return
	}

	// 验证批次属于用户所在租户
	batch, err := h.dispatchService.GetBatch(batchID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "批次不存在"})
		return
	}
	if batch.TenantID != claims.TenantID {
		c.JSON(http.StatusForbidden, gin.H{"error": "无权访问该批次"})
		return
	}

	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "进度推送服务不可用"})
		return
	}

	// 升级为WebSocket连接
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"user_id":  claims.UserID,
	}).Info("WebSocket connection established")

	h.handleProgressConnection(conn, batchID)
}

// handleProgressConnection 处理批次进度连接
func (h *WebSocketHandler) handleProgressConnection(conn *websocket.Conn, batchID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 订阅批次进度频道
	pubsub := h.tracker.Subscribe(batchID)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.WithError(err).Error("Failed to subscribe to Redis channel")
		return
	}

	// 启动goroutine处理客户端消息（主要是ping/pong）
	go h.readPump(conn, cancel)

	ch := pubsub.Channel()

	const writeTimeout = 10 * time.Second

	// 先推送一次当前快照，避免客户端错过订阅前的进度
	if progress, err := h.dispatchService.Progress(batchID); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(progress); err != nil {
			return
		}
	}

	// 每60秒发送一次ping保持连接
	pingTicker := time.NewTicker(60 * time.Second)
	defer pingTicker.Stop()

	// 批次结束后等待宽限期再关闭，保证最终快照送达
	lastMessageTime := time.Now()
	const gracePeriod = 5 * time.Second
	graceTicker := time.NewTicker(1 * time.Second)
	defer graceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-graceTicker.C:
			if time.Since(lastMessageTime) > gracePeriod {
				progress, err := h.dispatchService.Progress(batchID)
				if err == nil && progress.Status != "processing" {
					h.log.WithField("batch_id", batchID).Info("Batch finished and grace period expired, closing WebSocket")
					return
				}
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.WithError(err).Error("Failed to send ping")
				return
			}

		case msg, ok := <-ch:
			if !ok || msg == nil {
				// 订阅通道已关闭，停用本分支，由宽限期检查负责收尾
				ch = nil
				continue
			}

			lastMessageTime = time.Now()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			var snapshot map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &snapshot); err != nil {
				h.log.WithError(err).Error("Failed to parse progress message")
				continue
			}

			if err := conn.WriteJSON(snapshot); err != nil {
				h.log.WithError(err).Error("Failed to send message to client")
				return
			}
		}
	}
}

// readPump 处理客户端消息
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	pongWait := 300 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Error("WebSocket unexpected close")
			}
			break
		}
	}
}

// matchOrigin 检查Origin是否匹配允许的域名（支持 *.example.com 通配）
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}

	if strings.HasPrefix(allowed, "*.") {
		domain := allowed[2:]

		originHost := origin
		if idx := strings.Index(origin, "://"); idx != -1 {
			originHost = origin[idx+3:]
		}
		if idx := strings.Index(originHost, ":"); idx != -1 {
			originHost = originHost[:idx]
		}

		if originHost == domain || strings.HasSuffix(originHost, "."+domain) {
			return true
		}
	}

	return false
}
