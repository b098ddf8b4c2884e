// Package cmd holds the CLI command structs wired through kong.
package cmd

// CLI is the root command-line surface.
type CLI struct {
	Log struct {
		Level   string `help:"Log level (trace, debug, info, warn, error)" default:"info" env:"BASEPOLL_LOG_LEVEL"`
		File    string `help:"Write logs to this file instead of the console" env:"BASEPOLL_LOG_FILE"`
		RawFile string `help:"Write raw frame hex dumps to this file" env:"BASEPOLL_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`
	Config string `help:"Path to a config file" env:"BASEPOLL_CONFIG"`
	Debug  bool   `help:"Shorthand for --log.level=debug plus raw frame dumps on stdout"`

	Poll      Poll          `cmd:"" default:"withargs" help:"Run a poll session against the attached base station"`
	Reset     Reset         `cmd:"" help:"Reset the base station and exit"`
	ConfigCmd ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}
