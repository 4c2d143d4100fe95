package service

import (
	"go.uber.org/zap"
)

type StoreConfig struct {
	// DataDir holds the bbolt file. An empty DataDir keeps everything in memory.
	DataDir string

	Logger *zap.Logger
}
