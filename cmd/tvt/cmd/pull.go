package cmd

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/config"
	"github.com/tensorvault/tensorvault/pkg/model"
)

var pullCmd = &cobra.Command{
	Use:   "pull <remote> <name>",
	Short: "Fetch a manifest and its blobs from a remote",
	Long: `Fetch a manifest and its blobs from a remote.

Blobs already present locally are skipped. The manifest is written only
after every blob it references is available, so an interrupted pull never
leaves a manifest that cannot be restored.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e, root, err := newEngine()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		remote, err := remoteStore(root, args[0])
		if err != nil {
			wrapFatalln("resolve remote "+args[0], err)
			return
		}
		lock, err := config.AcquireLock(afero.NewOsFs(), root)
		if err != nil {
			wrapFatalln("lock repository", err)
			return
		}
		defer lock.Release()

		// the remote name is the container base name, e.g. model.safetensors
		name := args[1]
		manifestPath := tvtFlags.pull.output
		if manifestPath == "" {
			manifestPath = filepath.Join(root, name+model.ManifestSuffix)
		}
		_, stats, err := e.Pull(context.Background(), remote, name, manifestPath)
		if err != nil {
			wrapFatalln("pull "+name, err)
			return
		}
		if stats.Failed > 0 {
			wrapFatalln("pull incomplete: manifest not written", &transferError{stats})
			return
		}
		infoLogger.Printf("%d blobs transferred, %d already present, manifest %s",
			stats.Transferred, stats.Skipped, manifestPath)
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().StringVarP(&tvtFlags.pull.output, "output", "o",
		"", "Path of the written manifest, defaults to <name>"+model.ManifestSuffix+" at the repository root")
}
