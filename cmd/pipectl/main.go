// Command pipectl starts and watches Signalidea pipeline runs from a terminal.
package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SIGNALIDEA"

var (
	cfgFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "pipectl",
	Short: "Start and watch competitive-analysis pipeline runs",
	Long: `pipectl talks to a Signalidea API server.

The server address and API key come from flags, SIGNALIDEA_API_URL and
SIGNALIDEA_API_KEY, or a config file (default $HOME/.signalidea.yaml).`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.SetOut(os.Stdout)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.signalidea.yaml)")
	rootCmd.PersistentFlags().String("api-url", "http://localhost:8080", "Signalidea API base URL")
	rootCmd.PersistentFlags().String("api-key", "", "API key (si_...)")
	rootCmd.PersistentFlags().String("state-file", defaultStateFile(), "where an unfinished watch is remembered")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of a rendered view")

	_ = viper.BindPFlag("api.url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api.key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("state.file", rootCmd.PersistentFlags().Lookup("state-file"))
}

// initConfig reads the optional config file and environment. SIGNALIDEA_API_URL
// maps onto api.url.
func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".signalidea")
		viper.SetConfigType("yaml")
	}
	_ = viper.ReadInConfig()
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".signalidea", "watch.json")
	}
	return filepath.Join(home, ".signalidea", "watch.json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
