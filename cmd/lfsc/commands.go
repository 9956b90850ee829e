package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/InsulaLabs/ledgerfs/client"
	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/InsulaLabs/ledgerfs/ledger/entry"
	"github.com/fatih/color"
)

func ok(format string, args ...any) {
	color.Green(format, args...)
}

func handlePing(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	status, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	printKV([][2]string{
		{"status", status.Status},
		{"node", status.NodeID},
		{"leader", status.Leader},
		{"is leader", strconv.FormatBool(status.IsLeader)},
		{"entity", status.Entity},
		{"uptime", status.Uptime},
	})
	return nil
}

func handleJoin(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	follower, found := clusterCfg.Nodes[args[0]]
	if !found {
		return fmt.Errorf("follower node ID '%s' not found in configuration", args[0])
	}
	logger.Info("Joining follower", "follower_id", args[0], "raft_addr", follower.RaftBinding)
	if err := c.Join(ctx, args[0], follower.RaftBinding); err != nil {
		return err
	}
	ok("OK")
	return nil
}

func handleApi(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 2 {
		return usageError{}
	}
	switch args[0] {
	case "add":
		key, err := c.CreateApiKey(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(key)
	case "delete":
		if err := c.DeleteApiKey(ctx, args[1]); err != nil {
			return err
		}
		ok("OK")
	default:
		return usageError{}
	}
	return nil
}

// -- accounts --

func handleInit(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError{}
	}
	contents := ""
	if len(args) == 2 {
		contents = args[1]
	}
	key, err := c.InitAccount(ctx, contents, args[0])
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func handleForget(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	ns, err := c.ForgetAccount(ctx)
	if err != nil {
		return err
	}
	ok("Account forgotten, namespace is now %s", ns)
	return nil
}

func handleViewingKey(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	key, err := c.IssueViewingKey(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

// -- entries --

func handleCreate(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError{}
	}
	e := ledger.NewEntry{Path: args[0]}
	if len(args) == 2 {
		e.Contents = args[1]
	}
	n, err := c.CreateEntries(ctx, e)
	if err != nil {
		return err
	}
	ok("Created %d entry", n)
	return nil
}

func handleRemove(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return usageError{}
	}
	n, err := c.RemoveEntries(ctx, args...)
	if err != nil {
		return err
	}
	ok("Removed %d entries", n)
	return nil
}

func handleMove(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return usageError{}
	}
	moves := make([]ledger.Move, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		moves = append(moves, ledger.Move{OldPath: args[i], NewPath: args[i+1]})
	}
	n, err := c.MoveEntries(ctx, moves...)
	if err != nil {
		return err
	}
	ok("Moved %d entries", n)
	return nil
}

func handleChown(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usageError{}
	}
	message := ""
	if len(args) == 3 {
		message = args[2]
	}
	if err := c.ChangeOwner(ctx, args[0], args[1], message); err != nil {
		return err
	}
	ok("OK")
	return nil
}

func handlePublic(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 2 {
		return usageError{}
	}
	public, err := strconv.ParseBool(args[1])
	if err != nil {
		return usageError{}
	}
	if err := c.SetPublic(ctx, args[0], public); err != nil {
		return err
	}
	ok("OK")
	return nil
}

func permission(arg string) (entry.Permission, error) {
	p := entry.Permission(arg)
	if !p.Valid() {
		return "", usageError{}
	}
	return p, nil
}

func handleAllow(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 3 {
		return usageError{}
	}
	perm, err := permission(args[1])
	if err != nil {
		return err
	}
	n, err := c.Allow(ctx, args[0], perm, args[2:]...)
	if err != nil {
		return err
	}
	ok("Granted %s to %d accounts", perm, n)
	return nil
}

func handleDisallow(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 3 {
		return usageError{}
	}
	perm, err := permission(args[1])
	if err != nil {
		return err
	}
	n, err := c.Disallow(ctx, args[0], perm, args[2:]...)
	if err != nil {
		return err
	}
	ok("Revoked %s from %d accounts", perm, n)
	return nil
}

func handleReset(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 2 {
		return usageError{}
	}
	perm, err := permission(args[1])
	if err != nil {
		return err
	}
	if _, err := c.Reset(ctx, args[0], perm); err != nil {
		return err
	}
	ok("OK")
	return nil
}

func handleCloneGrants(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	n, err := c.CloneParentGrants(ctx, args[0])
	if err != nil {
		return err
	}
	ok("Copied %d grants", n)
	return nil
}

// -- mailbox --

func handleSend(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 2 {
		return usageError{}
	}
	if err := c.SendMessage(ctx, args[0], args[1]); err != nil {
		return err
	}
	ok("OK")
	return nil
}

func handleClearMailbox(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	if err := c.ClearMailbox(ctx); err != nil {
		return err
	}
	ok("OK")
	return nil
}

// -- queries --

func handleCat(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	q, err := query()
	if err != nil {
		return err
	}
	e, err := c.GetEntry(ctx, q, args[0])
	if err != nil {
		return err
	}
	printEntry(args[0], e)
	return nil
}

func handleList(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	q, err := query()
	if err != nil {
		return err
	}
	listing, err := c.ListFolder(ctx, q, args[0])
	if err != nil {
		return err
	}
	printListing(listing)
	return nil
}

func handleMailbox(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	q, err := query()
	if err != nil {
		return err
	}
	msgs, err := c.GetMailbox(ctx, q)
	if err != nil {
		return err
	}
	printMailbox(msgs)
	return nil
}

func handleWallet(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	q, err := query()
	if err != nil {
		return err
	}
	rec, err := c.GetWalletStatus(ctx, q)
	if err != nil {
		return err
	}
	printKV([][2]string{
		{"initialized", strconv.FormatBool(rec.Initialized)},
		{"namespace generation", strconv.Itoa(int(rec.NamespaceGeneration))},
		{"mailbox generation", strconv.Itoa(int(rec.MailboxGeneration))},
	})
	return nil
}

func handleClaim(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	q, err := query()
	if err != nil {
		return err
	}
	claim, err := c.GetClaim(ctx, q, args[0])
	if err != nil {
		return err
	}
	printKV([][2]string{
		{"path", claim.Path},
		{"secret key", claim.SecretKey},
	})
	return nil
}

func handleClaimCount(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	q, err := query()
	if err != nil {
		return err
	}
	account, n, err := c.GetClaimCount(ctx, q)
	if err != nil {
		return err
	}
	printKV([][2]string{
		{"account", account},
		{"claims", strconv.FormatUint(n, 10)},
	})
	return nil
}
