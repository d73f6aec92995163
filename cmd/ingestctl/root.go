package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mangaanimeden/chapter-ingest/internal/client"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "Upload chapter archives and follow their extraction",
	Long: `ingestctl sends chapter archives to the ingest API in chunks, hands the
assembled uploads to the archive workers and polls their progress.

Settings come from flags, INGESTCTL_* environment variables or
~/.ingestctl.yaml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.ingestctl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "ingest API base URL")
	rootCmd.PersistentFlags().String("user", "", "owner sent as X-User-Id")
	rootCmd.PersistentFlags().Uint("retries", 4, "attempts per chunk")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("retries", rootCmd.PersistentFlags().Lookup("retries"))

	rootCmd.AddCommand(uploadCmd, progressCmd, reprocessCmd)
}

func initConfig() error {
	viper.SetEnvPrefix("INGESTCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".ingestctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func newClient() *client.Client {
	return client.New(viper.GetString("server"), client.Options{
		Owner:         viper.GetString("user"),
		RetryAttempts: viper.GetUint("retries"),
	})
}
