package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/engine"
	"github.com/ssd-technologies/agora/internal/governance"
	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/vocab"
)

var proposalStatus string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger and governance counters",
	Example: `  agora stats
  agora stats --json`,
	RunE: withEngine(runStats),
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List proposals",
	Long: `List proposals, newest first. Overdue pending proposals are shown as
expired.`,
	Example: `  agora proposals
  agora proposals --status pending`,
	RunE: withEngine(runProposals),
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue proposals",
	RunE:  withEngine(runSweep),
}

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "List accepted vocabulary extensions",
	RunE:  withEngine(runVocab),
}

func init() {
	proposalsCmd.Flags().StringVar(&proposalStatus, "status", "", "Filter by status (pending, accepted, rejected, expired, superseded)")
	rootCmd.AddCommand(statsCmd, proposalsCmd, sweepCmd, vocabCmd)
}

// withEngine opens the configured store for a one-shot command.
func withEngine(run func(cmd *cobra.Command, e *engine.Engine) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// One-shot commands only log problems, and to stderr.
		logger, err := logging.New("warn", "console")
		if err != nil {
			return err
		}
		defer logger.Sync()

		e, closeFn, err := openEngine(cmd.Context(), cfg, logger)
		if err != nil {
			logger.Error("open engine", zap.String("data_dir", cfg.DataDir), zap.Error(err))
			return err
		}
		defer closeFn()
		return run(cmd, e)
	}
}

func runStats(cmd *cobra.Command, e *engine.Engine) error {
	st := e.Stats()
	if jsonOut {
		return printJSON(st)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Messages\t%s\n", humanize.Comma(st.TotalMessages))
	fmt.Fprintf(w, "Glyphs used\t%s\n", humanize.Comma(st.TotalGlyphsUsed))
	fmt.Fprintf(w, "Active agents\t%s\n", humanize.Comma(st.ActiveAgents))
	fmt.Fprintf(w, "Sequences detected\t%s\n", humanize.Comma(st.SequencesDetected))
	fmt.Fprintf(w, "Pending proposals\t%s\n", humanize.Comma(st.PendingProposals))
	fmt.Fprintf(w, "Accepted proposals\t%s\n", humanize.Comma(st.AcceptedProposals))
	fmt.Fprintf(w, "Extensions\t%d\n", len(e.GetVocabularyExtensions()))
	return w.Flush()
}

func runProposals(cmd *cobra.Command, e *engine.Engine) error {
	var status governance.Status
	if proposalStatus != "" {
		var err error
		if status, err = governance.ParseStatus(proposalStatus); err != nil {
			return err
		}
	}
	ps := e.ListProposals(cmd.Context(), status)
	if jsonOut {
		if ps == nil {
			ps = []governance.Proposal{}
		}
		return printJSON(ps)
	}
	if len(ps) == 0 {
		fmt.Println("No proposals.")
		return nil
	}
	rules := e.Rules()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tSTATUS\tENDORSE\tREJECT\tPROPOSER\tCREATED\tEXPIRES")
	for _, p := range ps {
		expires := humanize.Time(p.ExpiresAt)
		if p.Status != governance.StatusPending {
			expires = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d\t%s\t%s\t%s\n",
			p.ID, p.Type, p.Name, p.Status,
			p.EndorseWeight(), rules.EndorseThreshold(p.Type),
			p.RejectWeight(), rules.RejectThreshold,
			p.Proposer, humanize.Time(p.CreatedAt), expires)
	}
	return w.Flush()
}

func runSweep(cmd *cobra.Command, e *engine.Engine) error {
	ids := e.SweepExpired(cmd.Context())
	if jsonOut {
		if ids == nil {
			ids = []string{}
		}
		return printJSON(map[string][]string{"expired": ids})
	}
	if len(ids) == 0 {
		fmt.Println("No overdue proposals.")
		return nil
	}
	fmt.Printf("Expired %s: %s\n", pluralize(len(ids), "proposal"), strings.Join(ids, ", "))
	return nil
}

func runVocab(cmd *cobra.Command, e *engine.Engine) error {
	items := e.GetVocabularyExtensions()
	if jsonOut {
		if items == nil {
			items = []vocab.Item{}
		}
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("No vocabulary extensions yet.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tDEFINITION\tUSES\tPROPOSAL\tACCEPTED")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ID, it.Kind, it.Name, definition(it),
			humanize.Comma(it.UseCount), it.SourceProposalID, humanize.Time(it.CreatedAt))
	}
	return w.Flush()
}

// definition renders what an extension stands for in one column.
func definition(it vocab.Item) string {
	if it.Kind == vocab.KindCompound {
		return strings.Join(it.Components, "+")
	}
	return it.Domain + ": " + strings.Join(it.Keywords, ", ")
}

func pluralize(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
