package config

import (
	"github.com/sirupsen/logrus"

	"meshnet/pkg/utils"
)

// NewLogger builds a per-subsystem logrus.Logger configured from MESH_LOGLEVEL,
// MESH_COLORS, and MESH_ALWAYS_LOG_CALLER, mirroring the reference codebase's
// JSON-formatted health logger (system_health_logging.go) but letting the
// operator choose level/colorization/caller-reporting without a rebuild.
//
// cmd/meshnode and cmd/bootnode call it once at startup and pass the result
// to each subsystem they construct; the subsystems do not substitute a
// default logger when given nil.
func NewLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetFormatter(&logrus.TextFormatter{
		ForceColors:   utils.EnvOrDefault("MESH_COLORS", "") == "1",
		DisableColors: utils.EnvOrDefault("MESH_COLORS", "") == "0",
	})

	level, err := logrus.ParseLevel(utils.EnvOrDefault("MESH_LOGLEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	lg.SetLevel(level)

	if utils.EnvOrDefault("MESH_ALWAYS_LOG_CALLER", "") == "1" {
		lg.SetReportCaller(true)
	}
	return lg
}
