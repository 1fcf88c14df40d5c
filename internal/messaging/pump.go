package messaging

import (
	"context"
	"log/slog"
)

// Pump forwards receipts and replies from src to handler until ctx is done or
// both channels are closed. Handler errors are logged and do not stop the pump.
func Pump(ctx context.Context, src EventSource, handler Inbound) {
	receipts := src.Receipts()
	responses := src.Responses()
	slog.Debug("Pump started")
	for receipts != nil || responses != nil {
		select {
		case <-ctx.Done():
			slog.Debug("Pump stopping due to context cancellation")
			return
		case r, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			if err := handler.HandleReceipt(ctx, r); err != nil {
				slog.Warn("Pump: receipt handling failed", "ref", r.ProviderRef, "status", r.Status, "error", err)
			}
		case r, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if err := handler.HandleResponse(ctx, r); err != nil {
				slog.Warn("Pump: response handling failed", "from", r.From, "messageID", r.MessageID, "error", err)
			}
		}
	}
	slog.Debug("Pump stopped: sources closed")
}
