package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"

	"CoralRush/internal/agent"
	"CoralRush/internal/capability"
	"CoralRush/internal/intent"
	"CoralRush/internal/session"
)

type plannedStep struct {
	operation string
	req       capability.LedgerRequest
}

// planLedger 将意图展开为链上步骤，数量受 maxFanOut 限制。
func (o *Orchestrator) planLedger(in intent.Intent, log *slog.Logger) []plannedStep {
	base := capability.LedgerRequest{
		Chain:    o.chain,
		Contract: in.Entities.Contract,
		TokenURI: in.Entities.TokenURI,
		Memo:     "coralrush:" + string(in.Name),
	}

	var operation string
	units := in.Units()
	switch in.Name {
	case intent.PaymentTransfer:
		operation = agent.OpExecuteAction
		base.Recipient = in.Entities.Destination
		if in.Entities.Amount != "" {
			wei, err := intent.ToWei(in.Entities.Amount)
			if err != nil {
				log.Warn("金额无法换算为 wei", slog.String("amount", in.Entities.Amount), slog.Any("error", err))
			} else {
				base.AmountWei = wei
			}
		}
	case intent.NFTMint:
		operation = agent.OpMintArtifact
		base.Recipient = in.Entities.Destination
	case intent.TransactionStatus, intent.BalanceCheck:
		operation = agent.OpCheckStatus
		base.TxHash = in.Entities.TxHash
		base.Recipient = in.Entities.Destination
		units = 1
	default:
		return nil
	}

	if units > o.maxFanOut {
		log.Warn("链上步骤数量超过上限，已截断", slog.Int("requested", units), slog.Int("max", o.maxFanOut))
		units = o.maxFanOut
	}
	steps := make([]plannedStep, units)
	for i := range steps {
		steps[i] = plannedStep{operation: operation, req: base}
	}
	return steps
}

// composeReply 生成回复给用户的文本。
func composeReply(in intent.Intent, ledger []session.Step) string {
	reply := strings.TrimSpace(in.Reply)
	if reply == "" || reply == string(in.Name) {
		reply = defaultReply(in.Name)
	}
	if len(ledger) == 0 {
		return reply
	}
	succeeded := 0
	for _, step := range ledger {
		if step.Result.Success {
			succeeded++
		}
	}
	return fmt.Sprintf("%s Completed %d of %d ledger actions.", reply, succeeded, len(ledger))
}

func defaultReply(name intent.Name) string {
	switch name {
	case intent.PaymentTransfer:
		return "Your transfer request has been processed."
	case intent.NFTMint:
		return "Your mint request has been processed."
	case intent.TransactionStatus:
		return "Here is the latest status of your transaction."
	case intent.BalanceCheck:
		return "Here is your current balance."
	case intent.SupportRequest:
		return "A support specialist will follow up shortly."
	default:
		return "Sorry, I did not understand that request."
	}
}
