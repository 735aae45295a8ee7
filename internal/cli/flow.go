package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/kesc-finance/wallet/internal/orchestrator"
	"github.com/kesc-finance/wallet/pkg/model"
)

type flowDef struct {
	kind    model.FlowKind
	use     string
	short   string
	example string
}

var (
	flowBuy = flowDef{
		kind:    model.FlowBuy,
		use:     "buy <amount>",
		short:   "Buy KESC with M-Pesa",
		example: "  kesc-wallet buy 2500 --phone 0712345678",
	}
	flowSell = flowDef{
		kind:    model.FlowSell,
		use:     "sell <amount>",
		short:   "Sell KESC to M-Pesa",
		example: "  kesc-wallet sell 2500 --phone 0712345678",
	}
	flowPayBill = flowDef{
		kind:    model.FlowPayBill,
		use:     "paybill <amount>",
		short:   "Pay an M-Pesa bill with KESC",
		example: "  kesc-wallet paybill 3000 --business 888880 --account ACC-1",
	}
	flowSend = flowDef{
		kind:    model.FlowSend,
		use:     "send <amount>",
		short:   "Send KESC to another wallet",
		example: "  kesc-wallet send 10 --to 0x2222222222222222222222222222222222222222",
	}
)

func newFlowCommand(opts *Options, def flowDef) *cobra.Command {
	var (
		req  orchestrator.Request
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:     def.use,
		Short:   def.short,
		Example: def.example,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Kind = def.kind
			req.Amount = args[0]
			return runFlow(cmd.Context(), opts, req, wait)
		},
	}

	f := cmd.Flags()
	switch def.kind {
	case model.FlowBuy, model.FlowSell:
		f.StringVar(&req.Phone, "phone", "", "M-Pesa phone number")
		f.StringVar(&req.Operator, "operator", "", "Mobile money operator (default from config)")
	case model.FlowPayBill:
		f.StringVar(&req.BusinessNumber, "business", "", "Paybill business number")
		f.StringVar(&req.AccountNumber, "account", "", "Paybill account number")
	case model.FlowSend:
		f.StringVar(&req.Recipient, "to", "", "Recipient wallet address")
	}
	f.DurationVar(&wait, "wait", 15*time.Minute, "How long to wait for the transfer to settle")
	return cmd
}

func runFlow(ctx context.Context, opts *Options, req orchestrator.Request, wait time.Duration) error {
	a, err := opts.build(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := newPrinter(opts)
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(opts.out))
	s.Suffix = " Requesting quote..."

	terminal := make(chan orchestrator.Snapshot, 1)
	unsubscribe := a.Flows.Subscribe(func(snap orchestrator.Snapshot) {
		switch snap.State {
		case model.StateSuccess, model.StateCancelled:
			select {
			case terminal <- snap:
			default:
			}
		case model.StateProcessing:
			s.Lock()
			s.Suffix = " " + progressText(snap)
			s.Unlock()
		}
	})
	defer unsubscribe()

	if err := a.Flows.Submit(ctx, req); err != nil {
		out.flowError(err)
		return err
	}
	if !opts.JSON {
		s.Start()
	}

	var final orchestrator.Snapshot
	select {
	case final = <-terminal:
		s.Stop()
	case <-ctx.Done():
		s.Stop()
		abandon(a)
		out.warn("Interrupted. The transfer was abandoned and will keep being tracked in the journal.")
		return ctx.Err()
	case <-time.After(wait):
		s.Stop()
		abandon(a)
		out.warn("Timed out waiting for the transfer. Check your history before trying again.")
		return errors.New("flow did not settle within " + wait.String())
	}

	out.outcome(final)
	if final.State != model.StateSuccess {
		return fmt.Errorf("%s failed: %s", req.Kind, final.Error)
	}
	if err := a.Flows.Done(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if bal, err := a.Wallet.Balance(ctx); err == nil {
		out.balance(bal)
	}
	return nil
}

func abandon(a *App) {
	if err := a.Flows.RequestCancel(); err != nil {
		return
	}
	_ = a.Flows.ConfirmCancel(context.Background())
}

func progressText(snap orchestrator.Snapshot) string {
	switch {
	case snap.Transfer != nil && snap.PollState != "":
		return fmt.Sprintf("Waiting for transfer %s (%s)...", snap.Transfer.TransferID, snap.Transfer.Status)
	case snap.TxHash != "":
		return "Confirming transaction " + snap.TxHash + "..."
	case snap.Transfer != nil:
		return "Transfer " + snap.Transfer.TransferID + " created..."
	case snap.Quote != nil:
		return "Quote received, creating transfer..."
	default:
		return "Processing..."
	}
}
