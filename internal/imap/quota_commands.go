package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/infodancer/mailcore/internal/quota"
	"github.com/infodancer/mailcore/internal/realm"
)

// quotaRoot is the only quota root this server names: each user has
// exactly one, named by the empty string.
const quotaRoot = ""

func quotaLine(root string, u quota.Usage) string {
	return fmt.Sprintf("QUOTA %q (STORAGE %d %d) (MESSAGE %d %d)",
		root,
		u.StorageUsedBytes/1024, u.StorageLimitBytes/1024,
		u.MessageCount, u.MessageLimit)
}

// getquotaCommand implements GETQUOTA (RFC 9208 §3.2).
type getquotaCommand struct {
	manager quota.Manager
}

func (g *getquotaCommand) Name() string { return "GETQUOTA" }

func (g *getquotaCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if g.manager == nil {
		return Response{Status: "NO", Message: "QUOTA not supported"}, nil
	}
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "GETQUOTA requires a quota root"}, nil
	}
	if args[0] != quotaRoot && args[0] != `""` {
		return Response{Status: "NO", Message: "No such quota root"}, nil
	}

	usage, err := g.manager.GetQuota(ctx, sess.Username())
	if err != nil {
		return Response{Status: "NO", Message: "GETQUOTA failed"}, nil
	}
	return Response{
		Status:   "OK",
		Message:  "GETQUOTA completed",
		Untagged: []string{quotaLine(quotaRoot, usage)},
	}, nil
}

// getquotarootCommand implements GETQUOTAROOT (RFC 9208 §3.3): every
// mailbox in this single-realm server shares the user's one quota root.
type getquotarootCommand struct {
	manager quota.Manager
}

func (g *getquotarootCommand) Name() string { return "GETQUOTAROOT" }

func (g *getquotarootCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if g.manager == nil {
		return Response{Status: "NO", Message: "QUOTA not supported"}, nil
	}
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "GETQUOTAROOT requires a mailbox name"}, nil
	}

	usage, err := g.manager.GetQuota(ctx, sess.Username())
	if err != nil {
		return Response{Status: "NO", Message: "GETQUOTAROOT failed"}, nil
	}
	return Response{
		Status:  "OK",
		Message: "GETQUOTAROOT completed",
		Untagged: []string{
			fmt.Sprintf("QUOTAROOT %q %q", args[0], quotaRoot),
			quotaLine(quotaRoot, usage),
		},
	}, nil
}

// setquotaCommand implements SETQUOTA (RFC 9208 §3.4) for the STORAGE
// resource, expressed in kilobytes per RFC 9208's wire format, and the
// MESSAGE resource; other resource names are ignored.
type setquotaCommand struct {
	manager quota.Manager
	realm   realm.Realm
}

func (s *setquotaCommand) Name() string { return "SETQUOTA" }

func (s *setquotaCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if s.manager == nil {
		return Response{Status: "NO", Message: "QUOTA not supported"}, nil
	}
	if s.realm == nil {
		return Response{Status: "NO", Message: "SETQUOTA not supported"}, nil
	}
	isAdmin, err := s.realm.IsUserInRole(ctx, sess.Username(), "admin")
	if err != nil || !isAdmin {
		return Response{Status: "NO", Message: "SETQUOTA requires admin privileges"}, nil
	}
	if len(args) < 2 {
		return Response{Status: "BAD", Message: "SETQUOTA requires a quota root and a resource list"}, nil
	}

	resources := stripParens(args[1:])
	var storageKB int64 = -1
	var messageLimit = -1

	for i := 0; i+1 < len(resources); i += 2 {
		name := strings.ToUpper(resources[i])
		val, err := strconv.ParseInt(resources[i+1], 10, 64)
		if err != nil {
			return Response{Status: "BAD", Message: "Invalid quota value"}, nil
		}
		switch name {
		case "STORAGE":
			storageKB = val
		case "MESSAGE":
			messageLimit = int(val)
		}
	}
	if storageKB < 0 && messageLimit < 0 {
		return Response{Status: "BAD", Message: "SETQUOTA requires at least one resource limit"}, nil
	}

	current, err := s.manager.GetQuota(ctx, sess.Username())
	if err != nil {
		return Response{Status: "NO", Message: "SETQUOTA failed"}, nil
	}
	storageBytes := current.StorageLimitBytes
	if storageKB >= 0 {
		storageBytes = storageKB * 1024
	}
	if messageLimit < 0 {
		messageLimit = current.MessageLimit
	}

	if err := s.manager.SetUserQuota(ctx, sess.Username(), storageBytes, messageLimit); err != nil {
		return Response{Status: "NO", Message: "SETQUOTA failed"}, nil
	}

	updated, err := s.manager.GetQuota(ctx, sess.Username())
	if err != nil {
		return Response{Status: "NO", Message: "SETQUOTA failed"}, nil
	}
	return Response{
		Status:   "OK",
		Message:  "SETQUOTA completed",
		Untagged: []string{quotaLine(quotaRoot, updated)},
	}, nil
}

// RegisterQuotaCommands registers GETQUOTA/GETQUOTAROOT/SETQUOTA into r.
// A nil manager still registers the commands so they fail cleanly with NO
// rather than unknown-command BAD.
func RegisterQuotaCommands(r *Registry, manager quota.Manager, rlm realm.Realm) {
	r.Register(&getquotaCommand{manager: manager})
	r.Register(&getquotarootCommand{manager: manager})
	r.Register(&setquotaCommand{manager: manager, realm: rlm})
}
