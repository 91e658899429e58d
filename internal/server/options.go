package server

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/store"
	"github.com/Pablu23/tftp/internal/transfer"
)

type Options struct {
	Address    string
	Port       int
	Datapath   string
	Timeout    time.Duration
	MaxRetries int
	// Quota caps the size of each uploaded file when positive.
	Quota int64
	// Store overrides the directory store rooted at Datapath.
	Store store.Store
	Log   *log.Entry
}

func NewDefaultOptions() *Options {
	return &Options{
		Address:    "0.0.0.0",
		Port:       common.DefaultPort,
		Datapath:   "./testFiles/",
		Timeout:    transfer.DefaultTimeout,
		MaxRetries: transfer.DefaultMaxRetries,
		Log:        log.NewEntry(log.StandardLogger()),
	}
}
