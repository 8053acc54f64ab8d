package config

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd creates a TWConfig instance from a cobra command object. Any loading or
// validation error is fatal, and the global logger is configured from the result.
func FromCobraCmd(cmd *cobra.Command) *TWConfig {
	var flags *pflag.FlagSet
	if cmd.Name() == "twctl" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var paths []string
	if f := flags.Lookup("config"); f != nil && f.Changed {
		fileLoc, err := flags.GetString("config")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not get file location")
		}
		paths = append(paths, fileLoc)
	}

	conf, err := LoadConfig(paths...)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config file")
	}
	if err := conf.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	conf.SetupLogging()
	return conf
}
