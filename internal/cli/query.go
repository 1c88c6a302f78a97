package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query [kb-id] [question]",
		Short: "Retrieve the snippets a call would be grounded on",
		Args:  cobra.MinimumNArgs(2),
		Run:   runQuery,
	}

	cmd.Flags().IntP("top-k", "k", 0, "Number of snippets (default: retrieval.top_k)")

	RootCmd.AddCommand(cmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	topK, _ := cmd.Flags().GetInt("top-k")

	a := openApp(cmd)
	defer a.Close()

	snippets, err := a.Knowledge.QueryKnowledge(cmd.Context(), args[0], strings.Join(args[1:], " "), topK)
	if err != nil {
		exitErr("query", err)
	}
	output(cmd, snippets, func(w io.Writer) {
		for _, s := range snippets {
			fmt.Fprintf(w, "%d. [%.3f] %s\n", s.Rank, s.Score, s.Text)
		}
	})
}
