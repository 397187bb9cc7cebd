package cmd

import (
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a repository in the current directory",
	Long: `Initialize a repository in the current directory.

Creates the .tvt directory holding the object store and configuration.
The object store is ignored by git via a generated .gitignore.`,
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			wrapFatalln("determine working directory", err)
			return
		}
		if err := config.Init(afero.NewOsFs(), cwd); err != nil {
			wrapFatalln("initialize repository", err)
			return
		}
		infoLogger.Printf("initialized empty repository in %s", config.ObjectsPath(cwd))
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
