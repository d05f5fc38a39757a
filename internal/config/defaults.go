package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	requestTimeout  = 0 // no timeout unless configured
	userAgent       = "Fetch/1.0"
	maxIdlePerHost  = 4
	maxIdleTime     = 90 * time.Second
	historyDisabled = false
	debugLogging    = false
	historyFileName = "history.db"
)

var historyPath = filepath.Join(xdg.DataHome, configFileName, historyFileName)
