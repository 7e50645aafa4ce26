package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/capture"
	"github.com/ethpandaops/eustall/internal/source"
)

// OpenStreams returns one stall stream per sub-device of cfg, live
// devices or the sub-devices of a replayed capture.
func OpenStreams(log logrus.FieldLogger, cfg DeviceConfig) ([]source.Stream, error) {
	if cfg.Replay == "" {
		streams := make([]source.Stream, 0, len(cfg.Paths))
		for _, p := range cfg.Paths {
			streams = append(streams, source.NewDevice(log, p))
		}

		return streams, nil
	}

	f, err := os.Open(cfg.Replay)
	if err != nil {
		return nil, fmt.Errorf("opening capture: %w", err)
	}

	defer f.Close()

	c, err := capture.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading capture %s: %w", cfg.Replay, err)
	}

	streams := make([]source.Stream, 0, len(c.Data))
	for _, data := range c.Data {
		streams = append(streams, source.NewReplay(data))
	}

	log.WithFields(logrus.Fields{
		"capture":     cfg.Replay,
		"sub_devices": c.SubDevices,
		"chunks":      c.Chunks,
	}).Info("Loaded capture for replay")

	return streams, nil
}

// deviceName returns the label rows carry for cfg.
func deviceName(cfg DeviceConfig) string {
	switch {
	case cfg.Name != "":
		return cfg.Name
	case cfg.Replay != "":
		return filepath.Base(cfg.Replay)
	case len(cfg.Paths) > 0:
		return filepath.Base(cfg.Paths[0])
	default:
		return "unknown"
	}
}
