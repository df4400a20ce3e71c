package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DailyCounter hands out sequential numbers scoped to the current date,
// persisted to a JSON file so a restart continues the sequence. The paper
// monitor uses it to mint patient ids for charts that carry none.
type DailyCounter struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	today   string
	counter int
}

type counterState struct {
	Date    string `json:"date"`
	Counter int    `json:"counter"`
}

// NewDailyCounter loads (or initializes) the counter backed by path.
func NewDailyCounter(path string, logger *zap.Logger) *DailyCounter {
	c := &DailyCounter{
		path:   path,
		logger: logger,
		today:  time.Now().Format("20060102"),
	}
	c.load()
	return c
}

func (c *DailyCounter) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Error("Failed to read counter file",
				zap.Error(err),
			)
		}
		return
	}
	var state counterState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Error("Failed to parse counter file",
			zap.Error(err),
		)
		return
	}
	if state.Date == c.today {
		c.counter = state.Counter
	}
}

func (c *DailyCounter) save() {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.logger.Error("Failed to create counter directory",
			zap.Error(err),
		)
		return
	}
	data, _ := json.MarshalIndent(counterState{Date: c.today, Counter: c.counter}, "", "  ")
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		c.logger.Error("Failed to save counter file",
			zap.Error(err),
		)
	}
}

// NextValue increments and returns the counter, resetting at date rollover.
func (c *DailyCounter) NextValue() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := time.Now().Format("20060102")
	if today != c.today {
		c.today = today
		c.counter = 0
	}
	c.counter++
	c.save()
	return c.counter
}

// CurrentValue returns the counter without incrementing.
func (c *DailyCounter) CurrentValue() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// ResetToday zeroes the counter for the current date.
func (c *DailyCounter) ResetToday() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = 0
	c.save()
}
