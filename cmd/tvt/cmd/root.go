package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tvt",
	Short: "Tensorvault versions ML model weight files",
	Long: `Tensorvault decomposes safetensors model files into content-addressed
tensor blobs, so that revisions of a model share storage for the tensors
they have in common.

A repository is initialized with "tvt init". Containers are archived with
"tvt add", restored byte-exact with "tvt restore", and compared with
"tvt diff". Remote object stores hold replicas via "tvt push" and
"tvt pull".
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		osExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	// treat underscores and dashes in flag names alike
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	addLogLevelFlag(rootCmd)
	addConcurrencyFlag(rootCmd)
	addConfigFlag(rootCmd)
}

// initConfig binds environment variables so flags can be set as
// TVT_LOGLEVEL, TVT_CONCURRENCY and so on.
func initConfig() {
	viper.SetEnvPrefix("tvt")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	if v := viper.GetString("loglevel"); v != "" && !rootCmd.PersistentFlags().Changed("loglevel") {
		tvtFlags.root.logLevel = v
	}
	if v := viper.GetInt("concurrency"); v != 0 && !rootCmd.PersistentFlags().Changed("concurrency") {
		tvtFlags.root.concurrency = v
	}
}
