package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/voicekb/internal/knowledge"
)

func init() {
	kbCmd := &cobra.Command{
		Use:   "kb",
		Short: "Knowledge base management",
	}

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a knowledge base",
		Args:  cobra.ExactArgs(1),
		Run:   runKBCreate,
	}
	createCmd.Flags().StringP("user", "u", "", "Owner user ID (required)")
	createCmd.Flags().String("description", "", "Description")
	createCmd.MarkFlagRequired("user")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		Run:   runKBList,
	}
	listCmd.Flags().StringP("user", "u", "", "Filter by owner user ID")

	rmCmd := &cobra.Command{
		Use:   "rm [kb-id]",
		Short: "Delete a knowledge base and its documents",
		Args:  cobra.ExactArgs(1),
		Run:   runKBRm,
	}

	exportCmd := &cobra.Command{
		Use:   "export [kb-id]",
		Short: "Export a knowledge base as JSON",
		Args:  cobra.ExactArgs(1),
		Run:   runKBExport,
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a knowledge base from JSON",
		Long:  "Import a knowledge base (stdin or --file) in the format produced by export. Documents are re-chunked and re-embedded.",
		Run:   runKBImport,
	}
	importCmd.Flags().StringP("user", "u", "", "Owner user ID (required)")
	importCmd.Flags().String("file", "", "Read from file instead of stdin")
	importCmd.MarkFlagRequired("user")

	kbCmd.AddCommand(createCmd, listCmd, rmCmd, exportCmd, importCmd)
	RootCmd.AddCommand(kbCmd)
}

func runKBCreate(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	desc, _ := cmd.Flags().GetString("description")

	a := openApp(cmd)
	defer a.Close()

	kb, err := a.Knowledge.CreateKnowledgeBase(cmd.Context(), user, args[0], desc)
	if err != nil {
		exitErr("create knowledge base", err)
	}
	output(cmd, kb, func(w io.Writer) { fmt.Fprintln(w, kb.ID) })
}

func runKBList(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")

	a := openApp(cmd)
	defer a.Close()

	kbs, err := a.Knowledge.ListKnowledgeBases(cmd.Context(), user)
	if err != nil {
		exitErr("list knowledge bases", err)
	}
	output(cmd, kbs, func(w io.Writer) {
		for _, kb := range kbs {
			fmt.Fprintf(w, "%s  %-12s %s\n", kb.ID, kb.OwnerUserID, kb.Name)
		}
	})
}

func runKBRm(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Close()

	if err := a.Knowledge.DeleteKnowledgeBase(cmd.Context(), args[0]); err != nil {
		exitErr("rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"kb_id":%q}`+"\n", args[0])
}

func runKBExport(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Close()

	b, err := a.Knowledge.Export(cmd.Context(), args[0])
	if err != nil {
		exitErr("export", err)
	}
	out, _ := json.MarshalIndent(b, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
}

func runKBImport(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	file, _ := cmd.Flags().GetString("file")

	var (
		data []byte
		err  error
	)
	if file != "" {
		data, err = os.ReadFile(file)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		exitErr("read input", err)
	}

	var b knowledge.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		exitErr("parse json", err)
	}

	a := openApp(cmd)
	defer a.Close()

	res, err := a.Knowledge.Import(cmd.Context(), user, &b)
	if err != nil {
		exitErr("import", err)
	}
	output(cmd, res, nil)
}
