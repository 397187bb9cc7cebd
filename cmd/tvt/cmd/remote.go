package cmd

import (
	"os"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/config"
	"github.com/tensorvault/tensorvault/pkg/model"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage remote object store endpoints",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <endpoint>",
	Short: "Add a remote, e.g. tvt remote add origin s3://my-bucket",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		name, endpoint := args[0], args[1]
		if _, err := model.ParseEndpoint(endpoint); err != nil {
			wrapFatalln("invalid endpoint", err)
			return
		}
		root, cfg, err := loadRepoConfig()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		cfg.AddRemote(name, endpoint)
		if err := config.Save(afero.NewOsFs(), root, cfg); err != nil {
			wrapFatalln("save configuration", err)
			return
		}
		infoLogger.Printf("remote %s -> %s", name, endpoint)
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured remotes",
	Run: func(cmd *cobra.Command, args []string) {
		_, cfg, err := loadRepoConfig()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		names := make([]string, 0, len(cfg.Remotes))
		for name := range cfg.Remotes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			infoLogger.Printf("%s\t%s", name, cfg.Remotes[name])
		}
	},
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a configured remote",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root, cfg, err := loadRepoConfig()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		if !cfg.RemoveRemote(args[0]) {
			wrapFatalln("no remote named "+args[0], nil)
			return
		}
		if err := config.Save(afero.NewOsFs(), root, cfg); err != nil {
			wrapFatalln("save configuration", err)
			return
		}
		infoLogger.Printf("removed remote %s", args[0])
	},
}

func loadRepoConfig() (string, *config.Config, error) {
	fs := afero.NewOsFs()
	cwd, err := os.Getwd()
	if err != nil {
		return "", nil, err
	}
	root, err := config.FindRepoRoot(fs, cwd)
	if err != nil {
		return "", nil, err
	}
	cfg, err := repoConfig(fs, root)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

func init() {
	rootCmd.AddCommand(remoteCmd)
	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteListCmd)
	remoteCmd.AddCommand(remoteRemoveCmd)
}
