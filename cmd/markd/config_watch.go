package main

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/markd"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// watchConfigFile reports edits to the loaded config file. Settings are bound
// once at startup, so a changed file only takes effect after a restart.
func watchConfigFile(v *viper.Viper, running markd.Config, logger pslog.Logger) {
	path := v.ConfigFileUsed()
	if path == "" {
		return
	}
	logger = svcfields.WithSubsystem(logger, "cli.config")
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		next, err := configChanged(v, running)
		switch {
		case err != nil:
			logger.Warn("config.file.invalid", "path", ev.Name, "error", err)
		case next:
			logger.Warn("config.file.changed", "path", ev.Name, "op", ev.Op.String(), "action", "restart markd to apply")
		default:
			logger.Debug("config.file.unchanged", "path", ev.Name)
		}
	})
	v.WatchConfig()
	logger.Debug("config.file.watching", "path", path)
}

func configChanged(v *viper.Viper, running markd.Config) (bool, error) {
	next := bindConfig(v)
	if err := next.Validate(); err != nil {
		return false, err
	}
	return next != running, nil
}
