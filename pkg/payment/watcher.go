package payment

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"rpcgate/pkg/statebus"
)

// PollWatcher periodically asks the backend for the confirmation depth of
// every unfinalized session's submitted_txid and advances its state
// accordingly. This is the fallback path when the backend daemon has no
// block-event stream to consume (§4.9: "driven by polling or watching").
type PollWatcher struct {
	svc      *Service
	interval time.Duration
}

func NewPollWatcher(svc *Service, interval time.Duration) *PollWatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PollWatcher{svc: svc, interval: interval}
}

// Run blocks, polling until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *PollWatcher) tick(ctx context.Context) {
	sessions, err := w.svc.store.ListUnfinalized(ctx)
	if err != nil {
		log.Printf("payment: poll watcher list failed: %v", err)
		return
	}
	for _, sess := range sessions {
		if sess.SubmittedTxID == "" {
			continue
		}
		confirmations, err := w.confirmationsFor(ctx, sess.SubmittedTxID)
		if err != nil {
			log.Printf("payment: poll watcher confirmations lookup for %s failed: %v", sess.PaymentID, err)
			continue
		}
		if err := w.svc.AdvanceConfirmations(ctx, sess.PaymentID, confirmations); err != nil {
			log.Printf("payment: poll watcher advance for %s failed: %v", sess.PaymentID, err)
		}
	}
}

func (w *PollWatcher) confirmationsFor(ctx context.Context, txid string) (int, error) {
	params, err := json.Marshal([]string{txid})
	if err != nil {
		return 0, err
	}
	result, beErr := w.svc.backend.Call(ctx, "gettransaction", params, nil)
	if beErr != nil {
		return 0, beErr
	}
	var decoded struct {
		Confirmations int `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return 0, err
	}
	return decoded.Confirmations, nil
}

// blockEvent is the payload the backend daemon publishes to its block-notify
// topic: one transaction id's confirmation depth as of a new block.
type blockEvent struct {
	TxID          string `json:"txid"`
	PaymentID     string `json:"payment_id"`
	Confirmations int    `json:"confirmations"`
}

// BlockEventWatcher consumes a statebus.Consumer (a Kafka reader in
// production) and advances sessions push-style, without waiting for the
// next poll tick. This supplements spec.md's "polling or watching" language
// with a push-based path, for backend daemons that publish block
// notifications (§3.9 of the expanded spec).
type BlockEventWatcher struct {
	svc      *Service
	consumer statebus.Consumer
}

func NewBlockEventWatcher(svc *Service, consumer statebus.Consumer) *BlockEventWatcher {
	return &BlockEventWatcher{svc: svc, consumer: consumer}
}

// Run blocks, consuming block events until ctx is cancelled or the
// consumer's read loop returns an error.
func (w *BlockEventWatcher) Run(ctx context.Context) error {
	for {
		msg, err := w.consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt blockEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("payment: block event watcher received malformed message: %v", err)
			continue
		}
		if evt.PaymentID == "" {
			continue
		}
		if err := w.svc.AdvanceConfirmations(ctx, evt.PaymentID, evt.Confirmations); err != nil {
			log.Printf("payment: block event watcher advance for %s failed: %v", evt.PaymentID, err)
		}
	}
}
