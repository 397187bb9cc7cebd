package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/model"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <manifest>",
	Short: "Rebuild a container file from its manifest",
	Long: `Rebuild a container file from its manifest.

Without --layers the output is byte-identical to the archived container.
With --layers a standalone container holding only the matching tensors is
produced.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, _, err := newEngine()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		manifestPath := manifestArg(args[0])
		output := tvtFlags.restore.output
		if output == "" {
			output = strings.TrimSuffix(manifestPath, model.ManifestSuffix)
		}
		if err := e.Restore(context.Background(), manifestPath, output, tvtFlags.restore.layers); err != nil {
			wrapFatalln("restore "+manifestPath, err)
			return
		}
		infoLogger.Printf("restored %s", output)
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	addLayersFlag(restoreCmd)
	restoreCmd.Flags().StringVarP(&tvtFlags.restore.output, "output", "o",
		"", "Path of the restored container, defaults to the manifest path without its suffix")
}
