package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Close()

	stats, err := a.Store.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	output(cmd, stats, func(w io.Writer) {
		fmt.Fprintf(w, "db:          %s (%d bytes)\n", stats.DBPath, stats.DBSizeBytes)
		fmt.Fprintf(w, "kbs:         %d\n", stats.KnowledgeBases)
		fmt.Fprintf(w, "documents:   %d\n", stats.Documents)
		fmt.Fprintf(w, "chunks:      %d (%d indexed)\n", stats.Chunks, a.Index.Size())
		fmt.Fprintf(w, "messages:    %d\n", stats.Messages)
		for _, sc := range stats.Sessions {
			fmt.Fprintf(w, "calls %-15s %d\n", sc.State+":", sc.Count)
		}
		for _, kb := range stats.Largest {
			fmt.Fprintf(w, "  %s  %-20s %d docs, %d chunks\n", kb.ID, kb.Name, kb.Documents, kb.Chunks)
		}
	})
}
