package cmd

import (
	"context"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/config"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete blobs no tracked manifest references",
	Long: `Delete blobs no tracked manifest references.

The reachable set is computed from every manifest under the repository
root. A manifest that cannot be parsed aborts the sweep, since the blobs
it references cannot be determined.`,
	Run: func(cmd *cobra.Command, args []string) {
		e, root, err := newEngine()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		lock, err := config.AcquireLock(afero.NewOsFs(), root)
		if err != nil {
			wrapFatalln("lock repository", err)
			return
		}
		defer lock.Release()

		stats, err := e.GC(context.Background())
		if err != nil {
			wrapFatalln("gc", err)
			return
		}
		infoLogger.Printf("%d blobs deleted, %d kept, %d failed",
			stats.Deleted, stats.Kept, stats.Failed)
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
