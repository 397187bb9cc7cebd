package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tensorvault/tensorvault/pkg/core"
)

var pushCmd = &cobra.Command{
	Use:   "push <remote> <manifest> [manifest...]",
	Short: "Upload manifests and their blobs to a remote",
	Long: `Upload manifests and their blobs to a remote.

Blobs already present on the remote are skipped, so pushing a revision
that shares tensors with an earlier push only transfers the difference.
Manifests are published only after every blob transfer succeeded.`,
	Args: cobra.MinimumNArgs(2),
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

		refs := make([]core.ManifestRef, 0, len(args)-1)
		for _, arg := range args[1:] {
			path := manifestArg(arg)
			m, err := e.LoadManifest(path)
			if err != nil {
				wrapFatalln("load "+arg, err)
				return
			}
			refs = append(refs, core.ManifestRef{Name: manifestName(path), M: m})
		}

		stats, err := e.Push(context.Background(), remote, refs)
		if err != nil {
			wrapFatalln("push", err)
			return
		}
		if stats.Failed > 0 {
			wrapFatalln("push incomplete: manifests not published", &transferError{stats})
			return
		}
		infoLogger.Printf("%d blobs transferred, %d already present", stats.Transferred, stats.Skipped)
	},
}

type transferError struct {
	stats core.SyncStats
}

func (e *transferError) Error() string {
	return fmt.Sprintf("transfer failed for %d of %d blobs",
		e.stats.Failed, e.stats.Failed+e.stats.Transferred)
}

func init() {
	rootCmd.AddCommand(pushCmd)
}
