package emailrpc

import (
	"context"
	"fmt"

	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
)

// Receive handles a batch of newly arrived messages and every page that
// follows it. Problems with one message are logged and never stop the rest
// of the batch; only a failure to fetch a following page is returned, along
// with the outcomes gathered so far.
//
// Only the replies actually handled here are queued for deletion from the
// inbox; messages on pages that were never fetched stay untouched.
func (c *Controller) Receive(ctx context.Context,
	page *mailbox.Page) ([]ReceiveOutcome, error) {

	var (
		outcomes []ReceiveOutcome
		touched  = make(map[string][]uint32)
		handled  bool
	)
	for page != nil {
		for _, msg := range page.Messages {
			out := c.receiveOne(ctx, page, msg)
			handled = handled || out.Kind != Ignored
			if out.Kind != Ignored && msg.UID != 0 &&
				page.Folder == mailbox.Inbox {

				touched[page.AccountID] = append(
					touched[page.AccountID], msg.UID)
			}
			outcomes = append(outcomes, out)
		}

		next, err := page.Continue(ctx)
		if err != nil {
			c.finishReceive(ctx, handled, touched)
			return outcomes, fmt.Errorf("fetching next page of %s: %w",
				page.Folder, err)
		}
		page = next
	}

	c.finishReceive(ctx, handled, touched)

	return outcomes, nil
}

// finishReceive queues the handled inbox replies for cleanup and runs a
// reconciliation pass.
func (c *Controller) finishReceive(ctx context.Context, handled bool,
	touched map[string][]uint32) {

	if !handled {
		return
	}
	for accountID, uids := range touched {
		c.markDirty(ctx, model.FolderKey{
			AccountID: accountID, Role: model.FolderInbox,
		}, uids...)
	}
	c.Reconcile(ctx)
}

func (c *Controller) receiveOne(ctx context.Context, page *mailbox.Page,
	msg mailbox.Inbound) ReceiveOutcome {

	if !msg.IsResponse() {
		return ReceiveOutcome{MessageID: msg.MessageID, Kind: Ignored}
	}

	if msg.Read {
		log.ErrorS(ctx, "Reply was already marked read", nil,
			"account", page.AccountID, "folder", page.Folder,
			"message_id", msg.MessageID)
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("%s/%s/%d", page.AccountID, page.Folder,
			msg.UID)
	}
	out := ReceiveOutcome{MessageID: messageID}

	if prev, ok := c.processedMessages.Get(messageID); ok {
		log.DebugS(ctx, "Discarding duplicate delivery",
			"message_id", messageID, "request_id", prev)
		out.RequestID = prev
		out.Kind = Duplicate
		return out
	}

	requestID, ok := msg.RequestID()
	if !ok {
		log.ErrorS(ctx, "Reply has no request id header", nil,
			"message_id", messageID, "author", msg.Author)
		out.Kind = MissingID
		return out
	}
	out.RequestID = requestID

	resp := parseResponse(msg.Body)
	if resp == nil {
		log.WarnS(ctx, "Reply body is not a JSON object", nil,
			"request_id", requestID, "message_id", messageID)
	} else if echoed, ok := resp.RequestID(); ok && echoed != requestID {
		log.ErrorS(ctx, "Reply body names a different request", nil,
			"request_id", requestID, "body_request_id", echoed,
			"message_id", messageID)
		out.Mismatch = true
	}

	c.processedMessages.Set(messageID, requestID)
	if c.cfg.Ledger != nil {
		err := c.cfg.Ledger.RecordProcessed(ctx, model.ProcessedMessage{
			MessageID:   messageID,
			RequestID:   requestID,
			ProcessedAt: c.cfg.Clock(),
		})
		if err != nil {
			log.WarnS(ctx, "Persisting processed message", err,
				"message_id", messageID)
		}
	}

	if c.resolvedRequests.Has(requestID) {
		log.DebugS(ctx, "Discarding reply for resolved request",
			"request_id", requestID, "message_id", messageID)
		out.Kind = AlreadyResolved
		return out
	}

	if req, ok := c.pendingRequests.Pop(requestID); ok {
		if resp == nil {
			c.reject(req, "receive", ErrEmptyResponse)
			out.Kind = Rejected
			return out
		}
		c.resolve(ctx, req, resp)
		out.Kind = Resolved
		return out
	}

	if resp == nil {
		out.Kind = Malformed
		return out
	}

	c.pendingResponses.Set(requestID, resp)
	c.activity.set(true)
	log.DebugS(ctx, "Reply queued until its request registers",
		"request_id", requestID)
	out.Kind = Stashed

	return out
}
