package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/infodancer/mailcore/internal/store"
)

// idleCommand implements IDLE (RFC 9051 §6.4.11 / RFC 2177): valid from
// AUTHENTICATED or SELECTED state. After the "+" continuation, it pushes
// the selected mailbox's Updates() (if any is selected) as untagged
// EXISTS/EXPUNGE lines until the client sends a bare "DONE" line. Any
// other line received while idling is ignored rather than ending IDLE.
type idleCommand struct{}

func (i *idleCommand) Name() string { return "IDLE" }

func (i *idleCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sel := sess.Selected()

	if err := conn.WriteLine("+ idling"); err != nil {
		return Response{}, err
	}
	if err := conn.Flush(); err != nil {
		return Response{}, err
	}

	sess.SetIdling(true)
	defer sess.SetIdling(false)

	done := make(chan struct{})
	lineErr := make(chan error, 1)
	go func() {
		for {
			line, err := conn.ReadLine(ctx)
			if err != nil {
				lineErr <- err
				return
			}
			if strings.EqualFold(strings.TrimSpace(line), "DONE") {
				close(done)
				return
			}
			// Any other line during IDLE is rejected without ending the
			// command; keep reading for the real DONE.
		}
	}()

	var updates <-chan store.Update
	if sel != nil {
		updates = sel.Mailbox.Updates()
	}

	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()

		case err := <-lineErr:
			return Response{Status: "BAD", Message: err.Error()}, nil

		case <-done:
			return Response{Status: "OK", Message: "IDLE terminated"}, nil

		case upd, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			line := fmt.Sprintf("* %d %s", upd.Seq, upd.Kind)
			if err := conn.WriteLine(line); err != nil {
				return Response{}, err
			}
			if err := conn.Flush(); err != nil {
				return Response{}, err
			}
		}
	}
}

// RegisterIdleCommand registers IDLE into r.
func RegisterIdleCommand(r *Registry) {
	r.Register(&idleCommand{})
}
