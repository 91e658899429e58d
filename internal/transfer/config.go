package transfer

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
)

const (
	DefaultTimeout    = 2000 * time.Millisecond
	DefaultMaxRetries = 5
)

// Config tunes one transfer. MaxRetries counts consecutive receive
// timeouts in a single step; reaching it aborts with ErrConnectionLost.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	Mode       string
	Log        *log.Entry
}

func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		Mode:       common.ModeOctet,
		Log:        log.NewEntry(log.StandardLogger()),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.Log == nil {
		c.Log = def.Log
	}
	return c
}
