package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/orchestrator"
	"github.com/kesc-finance/wallet/pkg/model"
	"github.com/kesc-finance/wallet/pkg/utils"
)

type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(opts *Options) *printer {
	return &printer{w: opts.out, json: opts.JSON}
}

func (p *printer) emitJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(p.w, string(data))
}

func (p *printer) warn(msg string) {
	if p.json {
		p.emitJSON(map[string]string{"warning": msg})
		return
	}
	color.New(color.FgYellow).Fprintf(p.w, "\n%s\n", msg)
}

func (p *printer) flowError(err error) {
	var fields map[string]string
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		fields = verr.Fields
	case apperr.FieldOf(err) != "":
		fields = map[string]string{apperr.FieldOf(err): apperr.UserMessage(err)}
	}
	if p.json {
		p.emitJSON(map[string]any{
			"error":  apperr.UserMessage(err),
			"kind":   apperr.KindOf(err),
			"fields": fields,
		})
		return
	}
	red := color.New(color.FgRed)
	red.Fprintf(p.w, "\n%s\n", apperr.UserMessage(err))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		red.Fprintf(p.w, "  %-15s %s\n", k, fields[k])
	}
	fmt.Fprintln(p.w)
}

func (p *printer) outcome(snap orchestrator.Snapshot) {
	if p.json {
		p.emitJSON(snap)
		return
	}
	if snap.State == model.StateSuccess {
		color.New(color.FgGreen, color.Bold).Fprintf(p.w, "\n%s completed\n", kindTitle(snap.Kind))
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(p.w, "\n%s\n", snap.Error)
		if snap.Form != nil {
			color.New(color.FgYellow).Fprintln(p.w, "Run the same command again to retry.")
		}
	}
	if q := snap.Quote; q != nil {
		fmt.Fprintf(p.w, "  Quote:      %s\n", q.QuoteID)
		fmt.Fprintf(p.w, "  Fiat:       %s %s\n", q.FiatAmount, q.FiatType)
		if q.Fee != "" {
			fmt.Fprintf(p.w, "  Fee:        %s\n", q.Fee)
		}
	}
	if t := snap.Transfer; t != nil {
		fmt.Fprintf(p.w, "  Transfer:   %s (%s)\n", t.TransferID, t.Status)
	}
	if snap.TxHash != "" {
		fmt.Fprintf(p.w, "  Tx hash:    ")
		color.New(color.FgCyan).Fprintln(p.w, snap.TxHash)
	}
}

func (p *printer) balance(b string) {
	if p.json {
		p.emitJSON(map[string]string{"balance": b})
		return
	}
	fmt.Fprintf(p.w, "  Balance:    ")
	color.New(color.Bold).Fprintf(p.w, "%s KESC\n\n", b)
}

func (p *printer) history(records []model.TxRecord) {
	if p.json {
		p.emitJSON(records)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(p.w, "No transactions yet.")
		return
	}
	for _, r := range records {
		c := color.New(color.FgGreen)
		sign := "+"
		if r.Direction == model.DirectionSend || r.Direction == model.DirectionSell {
			c = color.New(color.FgRed)
			sign = "-"
		}
		fmt.Fprintf(p.w, "%-8s ", r.Direction)
		c.Fprintf(p.w, "%s%-14s", sign, r.Amount)
		fmt.Fprintf(p.w, " %s  block %d  %s\n", utils.ShortAddress(r.ID), r.BlockNumber, counterparty(r))
	}
}

func counterparty(r model.TxRecord) string {
	switch r.Direction {
	case model.DirectionSend:
		return "to " + utils.ShortAddress(r.To)
	case model.DirectionReceive:
		return "from " + utils.ShortAddress(r.From)
	}
	return ""
}

func kindTitle(k model.FlowKind) string {
	switch k {
	case model.FlowBuy:
		return "Buy"
	case model.FlowSell:
		return "Sell"
	case model.FlowPayBill:
		return "Bill payment"
	case model.FlowSend:
		return "Send"
	}
	return "Flow"
}
