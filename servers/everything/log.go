package everything

import (
	"encoding/json"
	"iter"
	"slices"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
)

var levelOrder = []mcp.LogLevel{
	mcp.LogLevelDebug,
	mcp.LogLevelInfo,
	mcp.LogLevelNotice,
	mcp.LogLevelWarning,
	mcp.LogLevelError,
	mcp.LogLevelCritical,
	mcp.LogLevelAlert,
	mcp.LogLevelEmergency,
}

// LogStreams implements mcp.LogHandler.
func (s *Server) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-s.done:
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements mcp.LogHandler.
func (s *Server) SetLogLevel(level mcp.LogLevel) {
	s.levelLock.Lock()
	defer s.levelLock.Unlock()
	s.logLevel = level
}

func (s *Server) log(level mcp.LogLevel, msg string) {
	s.levelLock.RLock()
	threshold := s.logLevel
	s.levelLock.RUnlock()
	if slices.Index(levelOrder, level) < slices.Index(levelOrder, threshold) {
		return
	}

	dataBs, _ := json.Marshal(map[string]string{"message": msg})

	// Nobody may be listening; a full buffer drops the line.
	select {
	case s.logs <- mcp.LogParams{Level: level, Logger: "everything", Data: dataBs}:
	case <-s.done:
	default:
	}
}
