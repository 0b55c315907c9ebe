package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tutu-network/transferd/internal/api"
	"github.com/tutu-network/transferd/internal/domain"
)

// Defaults for 'transfer start' with no arguments.
const (
	defaultSource = "A123"
	defaultTarget = "B456"
	defaultAmount = "25000"
)

func init() {
	rootCmd.AddCommand(transferCmd)
	transferCmd.AddCommand(transferStartCmd)
	transferCmd.AddCommand(transferApproveCmd)
	transferCmd.AddCommand(transferRejectCmd)
	transferCmd.AddCommand(transferStatusCmd)
	transferCmd.AddCommand(transferListCmd)
	transferCmd.AddCommand(transferCancelCmd)
	transferCmd.AddCommand(transferWaitCmd)

	transferStartCmd.Flags().Bool("wait", false, "Wait for the result")
	transferStartCmd.Flags().Duration("timeout", time.Minute, "How long --wait blocks")
	transferApproveCmd.Flags().String("by", "", "Approver identity")
	transferRejectCmd.Flags().String("by", "", "Approver identity")
	transferListCmd.Flags().String("status", "all", "Filter: all, running, completed, failed")
	transferWaitCmd.Flags().Duration("timeout", time.Minute, "How long to wait")
}

var transferCmd = &cobra.Command{
	Use:     "transfer",
	Aliases: []string{"t"},
	Short:   "Start and manage money transfers",
}

// ─── transfer start ─────────────────────────────────────────────────────────

var transferStartCmd = &cobra.Command{
	Use:   "start [SOURCE TARGET AMOUNT [REFERENCE]]",
	Short: "Start a transfer",
	Long: `Start a transfer of AMOUNT minor units from SOURCE to TARGET.
With no arguments, transfers 25000 from A123 to B456. REFERENCE defaults to
a random REF id; starting the same REFERENCE twice returns the existing transfer.`,
	Args: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0, 3, 4:
			return nil
		}
		return fmt.Errorf("expected no arguments or SOURCE TARGET AMOUNT [REFERENCE], got %d", len(args))
	},
	RunE: runTransferStart,
}

func runTransferStart(cmd *cobra.Command, args []string) error {
	req, err := parseStartArgs(args)
	if err != nil {
		return err
	}
	c, err := client()
	if err != nil {
		return err
	}

	sub, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if sub.Created {
		fmt.Fprintf(out, "Started transfer %s (run %s)\n", sub.Handle, sub.Transfer.RunID)
	} else {
		fmt.Fprintf(out, "Transfer %s already exists\n", sub.Handle)
	}
	fmt.Fprintf(out, "  %s → %s  %s\n", req.SourceAccount, req.TargetAccount, domain.FormatAmount(req.Amount))

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return waitAndPrint(cmd, c, sub.Handle, timeout)
	}
	return nil
}

// parseStartArgs applies the defaults and validates the amount.
func parseStartArgs(args []string) (domain.TransferRequest, error) {
	source, target, amount := defaultSource, defaultTarget, defaultAmount
	ref := newReference()
	if len(args) >= 3 {
		source, target, amount = args[0], args[1], args[2]
	}
	if len(args) == 4 {
		ref = args[3]
	}
	minor, err := domain.ParseAmount(amount)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	req := domain.TransferRequest{SourceAccount: source, TargetAccount: target, Amount: minor, ReferenceID: ref}
	return req, req.Validate()
}

// newReference returns REF followed by six hex digits.
func newReference() string {
	return "REF" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

// ─── transfer approve / reject ──────────────────────────────────────────────

var transferApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a transfer waiting on the approval gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSignal(cmd, args[0], true)
	},
}

var transferRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a transfer waiting on the approval gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSignal(cmd, args[0], false)
	},
}

func runSignal(cmd *cobra.Command, id string, approved bool) error {
	c, err := client()
	if err != nil {
		return err
	}
	by, _ := cmd.Flags().GetString("by")
	if by == "" {
		by = os.Getenv("USER")
	}
	sig := domain.ApprovalSignal{Approved: approved, ApprovedBy: by, Timestamp: time.Now()}
	if err := c.Signal(cmd.Context(), id, sig); err != nil {
		return err
	}
	verb := "Rejected"
	if approved {
		verb = "Approved"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, id)
	return nil
}

// ─── transfer status / list ─────────────────────────────────────────────────

var transferStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		v, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTransfer(cmd, v)
		return nil
	},
}

var transferListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		if _, err := domain.ParseListFilter(status); err != nil {
			return fmt.Errorf("--status must be one of all, running, completed, failed")
		}
		c, err := client()
		if err != nil {
			return err
		}
		views, err := c.List(cmd.Context(), status)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transfers.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tTO\tAMOUNT\tSTATE\tRESULT")
		for _, v := range views {
			result := "-"
			if v.Result != nil {
				result = string(v.Result.Status)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Request.SourceAccount, v.Request.TargetAccount, v.AmountDisplay, v.State, result)
		}
		return w.Flush()
	},
}

// ─── transfer cancel / wait ─────────────────────────────────────────────────

var transferCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a transfer suspended on approval or a retry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		if err := c.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
		return nil
	},
}

var transferWaitCmd = &cobra.Command{
	Use:   "wait ID",
	Short: "Block until a transfer finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return waitAndPrint(cmd, c, args[0], timeout)
	},
}

// waitAndPrint polls the result endpoint in long-poll slices until timeout.
func waitAndPrint(cmd *cobra.Command, c *api.Client, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	for {
		slice := min(time.Until(deadline(ctx)), api.MaxResultWait)
		if slice <= 0 {
			return fmt.Errorf("%s still running after %s", id, timeout)
		}
		res, err := c.Result(ctx, id, slice)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s still running after %s", id, timeout)
			}
			return err
		}
		if res != nil {
			printResult(cmd, res)
			return nil
		}
	}
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

func printTransfer(cmd *cobra.Command, v *api.TransferView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", v.ID)
	fmt.Fprintf(out, "Run:       %s\n", v.RunID)
	fmt.Fprintf(out, "Transfer:  %s → %s  %s\n", v.Request.SourceAccount, v.Request.TargetAccount, v.AmountDisplay)
	fmt.Fprintf(out, "State:     %s\n", v.State)
	if v.AwaitingApproval {
		fmt.Fprintf(out, "Approval:  waiting")
		if v.WakeAt != nil {
			fmt.Fprintf(out, " (times out %s)", v.WakeAt.Local().Format(time.RFC1123))
		}
		fmt.Fprintln(out)
	} else if v.ApprovalGate != domain.GateIdle && v.ApprovalGate != "" {
		fmt.Fprintf(out, "Approval:  %s", v.ApprovalGate)
		if v.ApprovedBy != "" {
			fmt.Fprintf(out, " by %s", v.ApprovedBy)
		}
		fmt.Fprintln(out)
	}
	if len(v.ApprovalReasons) > 0 {
		fmt.Fprintf(out, "Reasons:   %s\n", strings.Join(v.ApprovalReasons, ", "))
	}
	if v.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", v.LastError)
	}
	if v.Result != nil {
		printResult(cmd, v.Result)
	}
}

func printResult(cmd *cobra.Command, r *domain.TransferResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Result:    %s", r.Status)
	if r.Detail != "" {
		fmt.Fprintf(out, " (%s)", r.Detail)
	}
	fmt.Fprintln(out)
	if r.ManualIntervention {
		fmt.Fprintln(out, "⚠️  Refund failed: manual intervention required.")
	}
}
