package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/step"
)

// allRuns 订阅全部运行的日志
const allRuns = "all"

const writeTimeout = 5 * time.Second

// LogHub 把运行日志实时推送给 WebSocket 客户端，实现 step.LogSink
type LogHub struct {
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	clients   map[string]map[*websocket.Conn]struct{}
	mu        sync.RWMutex
	broadcast chan step.LogLine
	done      chan struct{}
	stopOnce  sync.Once
}

// NewLogHub 创建日志广播中心
func NewLogHub(logger *logrus.Logger) *LogHub {
	return &LogHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 与 CORSMiddleware 一致，允许所有来源
			},
		},
		clients:   make(map[string]map[*websocket.Conn]struct{}),
		broadcast: make(chan step.LogLine, 256),
		done:      make(chan struct{}),
	}
}

// Start 启动广播协程
func (h *LogHub) Start() {
	go h.run()
}

// Stop 停止广播并断开所有客户端
func (h *LogHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for runID, conns := range h.clients {
			for conn := range conns {
				conn.Close()
			}
			delete(h.clients, runID)
		}
	})
}

// Emit 实现 step.LogSink；通道满时丢弃，不阻塞流水线
func (h *LogHub) Emit(line step.LogLine) {
	select {
	case h.broadcast <- line:
	default:
	}
}

func (h *LogHub) run() {
	for {
		select {
		case <-h.done:
			return
		case line := <-h.broadcast:
			h.deliver(line)
		}
	}
}

func (h *LogHub) deliver(line step.LogLine) {
	h.mu.RLock()
	var targets []*websocket.Conn
	for conn := range h.clients[line.RunID] {
		targets = append(targets, conn)
	}
	for conn := range h.clients[allRuns] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(line); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			h.remove(conn)
			conn.Close()
		}
	}
}

func (h *LogHub) add(runID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[runID] == nil {
		h.clients[runID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[runID][conn] = struct{}{}
}

func (h *LogHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for runID, conns := range h.clients {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.clients, runID)
			}
		}
	}
}

// Subscribers 某个运行的订阅者数量
func (h *LogHub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[runID])
}

// HandleWebSocket 订阅运行日志
// GET /ws/runs/:id/logs，id 为 all 时订阅全部运行
func (h *LogHub) HandleWebSocket(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		runID = allRuns
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.add(runID, conn)
	h.logger.WithField("run_id", runID).Info("WebSocket client connected")

	// 只读取控制帧以感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.remove(conn)
	h.logger.WithField("run_id", runID).Info("WebSocket client disconnected")
}
