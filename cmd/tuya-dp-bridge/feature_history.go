//go:build !no_history

package main

import (
	"log/slog"

	"tuya-dp-bridge/internal/coordinator"
	"tuya-dp-bridge/internal/history"
)

type historyStopper struct {
	recorder *history.Recorder
}

func (h *historyStopper) Stop() {
	if h.recorder != nil {
		h.recorder.Stop()
	}
}

func initHistory(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *historyStopper {
	if !cfg.History.Enabled {
		return &historyStopper{}
	}
	rec, err := history.New(history.Config{
		URL:           cfg.History.URL,
		Token:         cfg.History.Token,
		Org:           cfg.History.Org,
		Bucket:        cfg.History.Bucket,
		Measurement:   cfg.History.Measurement,
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: cfg.History.FlushInterval,
		ChangedOnly:   cfg.History.ChangedOnly,
	}, coord.Events(), logger)
	if err != nil {
		logger.Error("history recorder", "err", err)
		return &historyStopper{}
	}
	rec.Start()
	return &historyStopper{recorder: rec}
}
