package cmd

import (
	"context"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [manifest]",
	Short: "Report tracked manifests against the object store",
	Long: `Report tracked manifests against the object store.

Without arguments every manifest under the repository root is summarized,
along with the number of unreferenced blobs a gc run would delete. With a
manifest argument only that manifest is inspected.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, _, err := newEngine()
		if err != nil {
			wrapFatalln("open repository", err)
			return
		}
		ctx := context.Background()

		if len(args) == 1 {
			path := manifestArg(args[0])
			st, err := e.Status(ctx, path)
			if err != nil {
				wrapFatalln("status "+args[0], err)
				return
			}
			printManifestStatus(st.Path, st.Tensors, st.TotalSize, st.UniqueBlobs, st.Missing, st.DedupRatio)
			if tvtFlags.status.tensors {
				m, err := e.LoadManifest(path)
				if err != nil {
					wrapFatalln("load "+path, err)
					return
				}
				for _, name := range m.OrderedNames() {
					d := m.Tensors[name]
					infoLogger.Printf("  %s\t%s %v\t%d elements\t%s\t%s",
						name, d.DType, d.Shape, d.ElementCount(),
						units.HumanSize(float64(d.ByteLength())), d.Hash)
				}
			}
			return
		}

		rs, err := e.RepoStatusAll(ctx)
		if err != nil {
			wrapFatalln("status", err)
			return
		}
		for _, st := range rs.Manifests {
			printManifestStatus(st.Path, st.Tensors, st.TotalSize, st.UniqueBlobs, st.Missing, st.DedupRatio)
		}
		infoLogger.Printf("%d blobs in store, %d unreferenced", rs.StoredBlobs, rs.UnreferencedBlobs)
	},
}

func printManifestStatus(path string, tensors int, totalSize uint64, blobs, missing int, ratio float64) {
	health := color.GreenString("complete")
	if missing > 0 {
		health = color.RedString("%d blobs missing", missing)
	}
	infoLogger.Printf("%s: %d tensors, %s, %d blobs, dedup %.2f, %s",
		path, tensors, units.HumanSize(float64(totalSize)), blobs, ratio, health)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&tvtFlags.status.tensors, "tensors",
		false, "List each tensor of the manifest in file order")
}
