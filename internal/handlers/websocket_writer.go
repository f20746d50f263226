// -----------------------------------------------------------------------
// WebSocket Log Stream - Feeds arbor log events to the live log panel
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/openwings/ausculto/internal/common"
)

const logStreamBufferSize = 10

// defaultExcludePatterns suppresses log lines that would feed back into the
// stream and flood connected clients.
var defaultExcludePatterns = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"HTTP request",
	"HTTP response",
	"Publishing event",
}

// WebSocketLogStream consumes log batches from arbor's context channel and
// broadcasts them to WebSocket clients. Hook it up with
// logger.SetChannel("context", stream.Channel()).
type WebSocketLogStream struct {
	handler         *WebSocketHandler
	channel         chan []arbormodels.LogEvent
	minLevel        levels.LogLevel
	excludePatterns []string
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// NewWebSocketLogStream creates a log stream bound to a WebSocket handler.
func NewWebSocketLogStream(handler *WebSocketHandler, wsConfig *common.WebSocketConfig) *WebSocketLogStream {
	minLevel := levels.InfoLevel
	excludePatterns := defaultExcludePatterns

	if wsConfig != nil {
		if wsConfig.MinLevel != "" {
			minLevel = parseStreamLevel(wsConfig.MinLevel)
		}
		if len(wsConfig.ExcludePatterns) > 0 {
			excludePatterns = wsConfig.ExcludePatterns
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketLogStream{
		handler:         handler,
		channel:         make(chan []arbormodels.LogEvent, logStreamBufferSize),
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Channel returns the channel arbor sends log batches to.
func (s *WebSocketLogStream) Channel() chan []arbormodels.LogEvent {
	return s.channel
}

// Start begins consuming log batches in the background.
func (s *WebSocketLogStream) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case batch, ok := <-s.channel:
				if !ok {
					return
				}
				for _, entry := range batch {
					s.process(entry)
				}
			}
		}
	}()
}

// Stop shuts down the consumer goroutine.
func (s *WebSocketLogStream) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *WebSocketLogStream) process(entry arbormodels.LogEvent) {
	arborLevel := plogToArborLevel(entry.Level)
	if arborLevel < s.minLevel {
		return
	}

	for _, pattern := range s.excludePatterns {
		if strings.Contains(entry.Message, pattern) {
			return
		}
	}

	s.handler.BroadcastLog(LogEntry{
		Timestamp: entry.Timestamp.Format("15:04:05"),
		Level:     levelLabel(arborLevel),
		Message:   entry.Message,
	})
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseStreamLevel converts a string log level to arbor levels.LogLevel
func parseStreamLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// levelLabel maps arbor log levels to UI strings
func levelLabel(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
