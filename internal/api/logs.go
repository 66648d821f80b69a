package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxLogs 日志缓冲区默认容量
const DefaultMaxLogs = 1000

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 固定容量的环形日志缓冲区，写满后覆盖最旧的日志
type LogManager struct {
	mu    sync.RWMutex
	buf   []LogEntry
	next  int
	count int
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &LogManager{buf: make([]LogEntry, maxLogs)}
}

// AddLog 添加日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.buf[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % len(lm.buf)
	if lm.count < len(lm.buf) {
		lm.count++
	}
}

// ordered 按时间顺序返回日志，调用方持有读锁
func (lm *LogManager) ordered(level string) []LogEntry {
	logs := make([]LogEntry, 0, lm.count)
	start := (lm.next - lm.count + len(lm.buf)) % len(lm.buf)
	for i := 0; i < lm.count; i++ {
		entry := lm.buf[(start+i)%len(lm.buf)]
		if level != "" && entry.Level != level {
			continue
		}
		logs = append(logs, entry)
	}
	return logs
}

// GetLogs 获取最新的 limit 条日志，limit<=0 返回全部
func (lm *LogManager) GetLogs(level string, limit int) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	logs := lm.ordered(level)
	if limit > 0 && limit < len(logs) {
		logs = logs[len(logs)-limit:]
	}
	return logs
}

// GetLogsWithPagination 获取分页日志，返回当前页和过滤后的总数
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	logs := lm.ordered(level)
	total := len(logs)

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return logs[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.buf = make([]LogEntry, len(lm.buf))
	lm.next, lm.count = 0, 0
}

// LogHook 把日志写入 LogManager 的 logrus 钩子
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
