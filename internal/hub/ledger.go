// ABOUTME: Records correlator submissions and outcomes in the command ledger
// ABOUTME: Runs on the correlator's delivery goroutine; failures are logged and never reach the caller

package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/tether/internal/correlator"
	"github.com/2389/tether/internal/store"
)

const ledgerWriteTimeout = 5 * time.Second

type ledgerObserver struct {
	ledger store.Ledger
	logger *slog.Logger
}

func newLedgerObserver(ledger store.Ledger, logger *slog.Logger) *ledgerObserver {
	return &ledgerObserver{ledger: ledger, logger: logger}
}

func (o *ledgerObserver) CommandSubmitted(f *correlator.Future) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	err := o.ledger.RecordCommand(ctx, &store.CommandRecord{
		RequestID:   f.RequestID,
		AgentID:     string(f.AgentID),
		Shell:       f.Command.Shell,
		Script:      f.Command.Script,
		SubmittedAt: f.IssuedAt,
	})
	if err != nil {
		o.logger.Warn("failed to record command", "request_id", f.RequestID, "error", err)
	}
}

func (o *ledgerObserver) CommandCompleted(r correlator.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	outcome, errMsg := store.OutcomeResolved, ""
	if r.Failed() {
		outcome, errMsg = store.OutcomeFailed, r.Err.Error()
	}

	err := o.ledger.CompleteCommand(ctx, r.RequestID, outcome, r.Output, errMsg, r.ResolvedAt)
	switch {
	case errors.Is(err, store.ErrNotFound):
		o.logger.Debug("completed command missing from ledger", "request_id", r.RequestID)
	case err != nil:
		o.logger.Warn("failed to complete command", "request_id", r.RequestID, "error", err)
	}
}
