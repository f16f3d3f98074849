package emailrpc

import (
	"context"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"
)

// SendRequest sends a command line and waits for its reply. Verbs listed in
// SideChannelVerbs are also sent over the side channel under the same
// request id, and the two replies are compared. The comparison is
// diagnostic: the email reply is returned whatever the side channel says.
func (c *Controller) SendRequest(ctx context.Context, accountID,
	commandLine string, body any, opts ...RequestOption) (Response, error) {

	verb, args := splitCommand(commandLine)
	if c.cfg.SideChannel == nil || !slices.Contains(c.cfg.SideChannelVerbs, verb) {
		return c.SendEmailRequest(ctx, accountID, commandLine, body, opts...)
	}

	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		id = c.cfg.NewID()
		opts = append(opts, WithRequestID(id))
	}

	var (
		g         errgroup.Group
		emailResp Response
		sideResp  map[string]any
		sideErr   error
	)
	g.Go(func() error {
		var err error
		emailResp, err = c.SendEmailRequest(ctx, accountID, commandLine,
			body, opts...)
		return err
	})
	g.Go(func() error {
		sideResp, sideErr = c.cfg.SideChannel.Confirm(ctx, accountID, id,
			verb, args, body)
		return nil
	})
	if err := g.Wait(); err != nil {
		if sideErr == nil {
			log.WarnS(ctx, "Side channel answered a request email did not",
				err, "request_id", id, "verb", verb)
		}
		return nil, err
	}

	if sideErr != nil {
		log.WarnS(ctx, "Side channel confirmation failed", sideErr,
			"request_id", id, "verb", verb)
		return emailResp, nil
	}

	if diff := compareReplies(emailResp, sideResp); diff != "" {
		log.ErrorS(ctx, "Email and side channel replies differ", nil,
			"request_id", id, "verb", verb, "diff", diff)
	} else {
		log.DebugS(ctx, "Side channel reply confirmed", "request_id", id,
			"verb", verb)
	}

	return emailResp, nil
}

// compareReplies diffs two replies, ignoring the echoed request id.
func compareReplies(email Response, side map[string]any) string {
	ignoreID := cmpopts.IgnoreMapEntries(func(k string, _ any) bool {
		return k == "request" || k == "Request"
	})
	return cmp.Diff(map[string]any(email), side, ignoreID,
		cmpopts.EquateEmpty())
}

// splitCommand separates the verb of a command line from its arguments.
func splitCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func trimCommand(line string) string {
	return strings.TrimSpace(line)
}
