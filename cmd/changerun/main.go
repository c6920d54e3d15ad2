package main

import (
	"github.com/loykin/changerun/cmd/changerun/commands"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "changerun",
	Short:         "Apply, track and tag SQL changelogs across project databases",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Defaults
	v := viper.GetViper()
	v.SetDefault("config", "./config/config.yaml")
	v.SetDefault("server", "")

	// Environment variables support: CHANGERUN_CONFIG, CHANGERUN_SERVER, CHANGERUN_STORE_DSN, ...
	v.SetEnvPrefix("CHANGERUN")
	v.AutomaticEnv()

	pf := rootCmd.PersistentFlags()
	pf.String("config", v.GetString("config"), "path to a config yaml")
	pf.String("server", v.GetString("server"), "base URL of a running changerun server; commands run locally when empty")
	pf.String("scripts-root", "", "directory changelog paths are resolved against (overrides scripts_root)")
	pf.String("log-level", "", "error, warn, info or debug (overrides logging.level)")
	commands.ServeCmd.Flags().String("addr", "", "listen address (overrides server.addr)")

	_ = v.BindPFlag("config", pf.Lookup("config"))
	_ = v.BindPFlag("server", pf.Lookup("server"))
	_ = v.BindPFlag("scripts_root", pf.Lookup("scripts-root"))
	_ = v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = v.BindPFlag("addr", commands.ServeCmd.Flags().Lookup("addr"))

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.TagCmd)
	rootCmd.AddCommand(commands.QueryCmd)
	rootCmd.AddCommand(commands.SaveCmd)
	rootCmd.AddCommand(commands.HistoryCmd)
	rootCmd.AddCommand(commands.ProfilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		exitHandler.LogFatalError(err, "command execution failed")
	}
}
