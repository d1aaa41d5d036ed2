package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/peiwan-ops/pwatch/internal/utils"
	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/notify"
	"github.com/peiwan-ops/pwatch/pkg/polling"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pwatch",
	Short: "Watch employees, orders and notifications of the 陪玩 backend.",
	Long: `pwatch logs in to the 陪玩 backend, polls the views your role can see
and prints every change and notification as it happens.

Credentials and the backend URL are read from ~/.pwatch.yaml.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pwatch.yaml)")

	// Global flags
	rootCmd.PersistentFlags().String("url", "", "Backend API base URL (default "+api.DefaultBaseURL+")")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")

	_ = viper.BindPFlag("backend.url", rootCmd.PersistentFlags().Lookup("url"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".pwatch")
		viper.SetConfigType("yaml")
	}

	// PWATCH_BACKEND_PASSWORD overrides backend.password, and so on.
	viper.SetEnvPrefix("pwatch")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("backend.url", api.DefaultBaseURL)
	viper.SetDefault("backend.username", "")
	viper.SetDefault("backend.password", "")
	viper.SetDefault("backend.timeout", "30s")
	viper.SetDefault("backend.retries", 2)
	viper.SetDefault("polling.interval", polling.DefaultInterval.String())
	viper.SetDefault("notifications.interval", notify.DefaultInterval.String())
	viper.SetDefault("notifications.limit", notify.DefaultLimit)
	viper.SetDefault("db.path", "")

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := filepath.Join(home, ".pwatch.yaml")
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s\n", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	if err := utils.SetLogLevel(levelString); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
