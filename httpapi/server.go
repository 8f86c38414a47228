// Package httpapi exposes engines and runs over REST, with run progress over websocket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"TileSegServer/engine"
	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/logger"
	"TileSegServer/monitor"
	"TileSegServer/service"
	"TileSegServer/task"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 5 * time.Second

type InitEngineParam struct {
	ModelPath     string `json:"modelPath" binding:"required"`
	Description   string `json:"description"`
	Device        string `json:"device"`
	NumPredictors int    `json:"numPredictors"`
}

// Event is one websocket message: a progress update, then a final status.
type Event struct {
	Type     string         `json:"type"`
	Progress *task.Progress `json:"progress,omitempty"`
	Run      *task.RunInfo  `json:"run,omitempty"`
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidConfiguration), errors.Is(err, errs.ErrMalformedModel):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrModelNotFound), errors.Is(err, engine.ErrEngineNotFound), errors.Is(err, task.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrTilePrediction), errors.Is(err, errs.ErrShapeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, task.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logger.Log().Debug("http",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("took", time.Since(start)))
}

// New builds the gin engine for svc.
func New(svc *service.Service, development bool) *gin.Engine {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger)

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(monitor.Handler()))

	r.GET("/api/engines", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": svc.Engines.List()})
	})
	r.POST("/api/engines", func(c *gin.Context) {
		var param InitEngineParam
		if err := c.ShouldBindJSON(&param); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		device, err := iface.ParseDevice(param.Device)
		if err != nil {
			fail(c, errs.Invalid("%v", err))
			return
		}
		if param.NumPredictors <= 0 {
			param.NumPredictors = svc.Defaults.NumPredictors
		}
		e, err := svc.Engines.Init(c.Request.Context(), param.ModelPath, param.Description, device, param.NumPredictors)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": e.CheckConfig()})
	})
	r.GET("/api/engines/:id", func(c *gin.Context) {
		e, err := svc.Engines.Get(c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": e.CheckConfig()})
	})
	r.DELETE("/api/engines/:id", func(c *gin.Context) {
		if err := svc.Engines.Destroy(c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "Engine destroyed"})
	})

	r.GET("/api/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": svc.Runs.List()})
	})
	r.POST("/api/runs", func(c *gin.Context) {
		var req service.SegmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		info, res, err := svc.Segment(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		body := gin.H{
			"data":  info,
			"wsURL": fmt.Sprintf("ws://%s/ws/runs/%s", c.Request.Host, info.ID),
		}
		if res != nil {
			body["result"] = res
		}
		c.JSON(http.StatusAccepted, body)
	})
	r.GET("/api/runs/:id", func(c *gin.Context) {
		info, err := svc.Runs.Status(c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": info})
	})
	r.GET("/api/runs/:id/result", func(c *gin.Context) {
		res, err := svc.Runs.Result(c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": res})
	})
	r.POST("/api/runs/:id/cancel", func(c *gin.Context) {
		if err := svc.Runs.Cancel(c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "Cancellation requested"})
	})
	r.GET("/ws/runs/:id", func(c *gin.Context) {
		id := c.Param("id")
		// 在升级前检查运行是否存在
		events, err := svc.Runs.Subscribe(id)
		if err != nil {
			fail(c, err)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// 升级失败，不要再写 JSON
			return
		}
		defer conn.Close()
		streamRun(c.Request.Context(), conn, svc.Runs, id, events)
	})

	r.POST("/api/models/upload/:model", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
			return
		}
		defer f.Close()
		path, err := svc.SaveModelFile(c.Param("model"), file.Filename, f)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": path})
	})
	return r
}

// streamRun forwards progress until the run ends or the client goes away.
func streamRun(ctx context.Context, conn *websocket.Conn, runs *task.Manager, id string, events <-chan task.Progress) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	write := func(ev Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}
	for {
		select {
		case p, ok := <-events:
			if !ok {
				info, err := runs.Status(id)
				if err == nil {
					_ = write(Event{Type: "status", Run: &info})
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(writeWait))
				return
			}
			if err := write(Event{Type: "progress", Progress: &p}); err != nil {
				logger.Log().Debug("websocket write", zap.String("run", id), zap.Error(err))
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
