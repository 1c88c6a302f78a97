package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcliao/voicekb/internal/model"
	"github.com/rcliao/voicekb/internal/session"
	"github.com/rcliao/voicekb/internal/store"
)

func init() {
	callCmd := &cobra.Command{
		Use:   "call",
		Short: "Call sessions",
	}

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Talk to the assistant from the terminal",
		Long:  "Run a call through the full turn pipeline. Each stdin line is one caller utterance; EOF hangs up.",
		Run:   runCallSimulate,
	}
	simulateCmd.Flags().StringP("user", "u", "", "Caller's owner user ID")
	simulateCmd.Flags().String("kb", "", "Knowledge base ID")
	simulateCmd.Flags().String("to", "", "Dialled number, routed through telephony.numbers")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List call sessions",
		Run:   runCallList,
	}
	listCmd.Flags().StringP("user", "u", "", "Filter by user ID")
	listCmd.Flags().String("state", "", "Filter by state")
	listCmd.Flags().IntP("limit", "l", 20, "Max results")

	transcriptCmd := &cobra.Command{
		Use:   "transcript [call-sid]",
		Short: "Print a call transcript",
		Args:  cobra.ExactArgs(1),
		Run:   runCallTranscript,
	}

	callCmd.AddCommand(simulateCmd, listCmd, transcriptCmd)
	RootCmd.AddCommand(callCmd)
}

func runCallSimulate(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	kbID, _ := cmd.Flags().GetString("kb")
	to, _ := cmd.Flags().GetString("to")

	a := openApp(cmd)
	defer a.Close()
	cfg := a.Config

	if to != "" {
		route, ok := cfg.Route(to)
		if !ok {
			exitErr("simulate", fmt.Errorf("no route for %s", to))
		}
		user, kbID = route.UserID, route.KnowledgeBaseID
	}
	if user == "" {
		user = "cli"
	}

	engine, err := a.Engine(cmd.Context())
	if err != nil {
		exitErr("build engine", err)
	}

	ctx := cmd.Context()
	sid := "SIM" + uuid.NewString()
	if _, err := engine.StartCall(ctx, session.CallStart{
		CallSID:         sid,
		From:            "cli",
		To:              to,
		UserID:          user,
		KnowledgeBaseID: kbID,
	}); err != nil {
		exitErr("start call", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "call %s\nassistant: %s\n", sid, cfg.Telephony.Greeting)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(w, "caller: ")
		if !scanner.Scan() {
			break
		}
		reply, err := engine.HandleTurn(ctx, session.TurnEvent{CallSID: sid, Text: scanner.Text()})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "assistant: %s\n", reply.Text)
		if verbose {
			for _, s := range reply.Snippets {
				fmt.Fprintf(w, "  [%d %.3f] %s\n", s.Rank, s.Score, s.Text)
			}
		}
		if !reply.KeepListening {
			fmt.Fprintln(w, "(call ended)")
			return
		}
	}

	fmt.Fprintln(w)
	if _, err := engine.EndCall(ctx, sid, "cli hangup"); err != nil {
		exitErr("end call", err)
	}
}

func runCallList(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	state, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")

	a := openApp(cmd)
	defer a.Close()

	calls, err := a.Store.ListSessions(cmd.Context(), store.ListSessionsParams{
		UserID: user,
		State:  model.CallState(state),
		Limit:  limit,
	})
	if err != nil {
		exitErr("list calls", err)
	}
	output(cmd, calls, func(w io.Writer) {
		for _, c := range calls {
			fmt.Fprintf(w, "%s  %-14s %-10s %s\n", c.CallSID, c.State, c.UserID, c.CreatedAt.Format("2006-01-02 15:04"))
		}
	})
}

func runCallTranscript(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Close()

	if _, err := a.Store.GetSession(cmd.Context(), args[0]); err != nil {
		exitErr("transcript", err)
	}
	msgs, err := a.Store.MessageRange(cmd.Context(), args[0], 1, 0)
	if err != nil {
		exitErr("transcript", err)
	}
	output(cmd, msgs, func(w io.Writer) {
		for _, m := range msgs {
			fmt.Fprintf(w, "%3d %-9s %s\n", m.Seq, m.Role+":", m.Content)
		}
	})
}
