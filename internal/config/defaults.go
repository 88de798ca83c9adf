package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	userAgent         = "upstream/1.0"
	connectTimeout    = 30 * time.Second
	maxRedirects      = 20
	maxRetries        = 3
	retryDelay        = 2 * time.Second
	cacheMaxBytes     = 1 << 30
	loaderConnections = 8
	loaderChunks      = 32
	minChunkSize      = 256 * 1024
)

var cacheDir = filepath.Join(xdg.CacheHome, configDirName)
