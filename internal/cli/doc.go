package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	docCmd := &cobra.Command{
		Use:   "doc",
		Short: "Document management",
	}

	addCmd := &cobra.Command{
		Use:   "add [kb-id] [text]",
		Short: "Add a document to a knowledge base",
		Long:  "Add a document. Text can be positional args, --file, or piped via stdin.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runDocAdd,
	}
	addCmd.Flags().String("file", "", "Read text from file")
	addCmd.Flags().StringSliceP("meta", "m", nil, "Metadata as key=value (repeatable)")

	listCmd := &cobra.Command{
		Use:   "list [kb-id]",
		Short: "List documents of a knowledge base",
		Args:  cobra.ExactArgs(1),
		Run:   runDocList,
	}

	rmCmd := &cobra.Command{
		Use:   "rm [doc-id]",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(1),
		Run:   runDocRm,
	}

	grepCmd := &cobra.Command{
		Use:   "grep [kb-id] [text]",
		Short: "Find chunks containing text",
		Args:  cobra.MinimumNArgs(2),
		Run:   runDocGrep,
	}
	grepCmd.Flags().IntP("limit", "l", 20, "Max results")

	docCmd.AddCommand(addCmd, listCmd, rmCmd, grepCmd)
	RootCmd.AddCommand(docCmd)
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q is not key=value", p)
		}
		meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return meta, nil
}

func runDocAdd(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")
	pairs, _ := cmd.Flags().GetStringSlice("meta")

	meta, err := parseMeta(pairs)
	if err != nil {
		exitErr("doc add", err)
	}

	var text string
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			exitErr("read file", err)
		}
		text = string(b)
		if meta == nil {
			meta = map[string]string{}
		}
		if _, ok := meta["source"]; !ok {
			meta["source"] = file
		}
	} else {
		text = readInput(args[1:])
	}
	if strings.TrimSpace(text) == "" {
		exitErr("doc add", fmt.Errorf("text is required (positional args, --file or stdin)"))
	}

	a := openApp(cmd)
	defer a.Close()

	id, err := a.Knowledge.AddDocument(cmd.Context(), args[0], text, meta)
	if err != nil {
		exitErr("doc add", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"doc_id":%q}`+"\n", id)
}

func runDocList(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Close()

	docs, err := a.Knowledge.ListDocuments(cmd.Context(), args[0])
	if err != nil {
		exitErr("doc list", err)
	}
	output(cmd, docs, func(w io.Writer) {
		for _, d := range docs {
			fmt.Fprintf(w, "%s  %3d chunks  %s\n", d.ID, d.ChunkCount, d.CreatedAt.Format("2006-01-02 15:04"))
		}
	})
}

func runDocRm(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Close()

	n, err := a.Knowledge.DeleteDocument(cmd.Context(), args[0])
	if err != nil {
		exitErr("doc rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"doc_id":%q,"deleted_chunks":%d}`+"\n", args[0], n)
}

func runDocGrep(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	a := openApp(cmd)
	defer a.Close()

	chunks, err := a.Knowledge.SearchText(cmd.Context(), args[0], strings.Join(args[1:], " "), limit)
	if err != nil {
		exitErr("doc grep", err)
	}
	if len(chunks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "[]")
		return
	}
	output(cmd, chunks, func(w io.Writer) {
		for _, c := range chunks {
			fmt.Fprintf(w, "%s#%d  %s\n", c.DocumentID, c.Seq, c.Text)
		}
	})
}
