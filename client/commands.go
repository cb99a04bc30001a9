package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/groupsync/pkg/ledger"
	"github.com/mahaj/groupsync/pkg/model"
	"github.com/mahaj/groupsync/pkg/push"
)

const emitTimeout = 5 * time.Second

func init() {
	sendCmd.Flags().String("image", "", "attach an image file")
	sendCmd.Flags().String("reply-to", "", "id of the message to reply to")
	historyCmd.Flags().Int("limit", 0, "page size (default from config)")
	historyCmd.Flags().String("cursor", "", "cursor returned by a previous page")

	rootCmd.AddCommand(sendCmd, deleteCmd, leaderboardCmd, historyCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Post a message to the group",
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := current.requireGroup()
		if err != nil {
			return err
		}
		uid, err := current.uid()
		if err != nil {
			return err
		}
		d := model.Draft{GroupID: groupID, UID: uid, Text: strings.Join(args, " ")}
		if reply, _ := cmd.Flags().GetString("reply-to"); reply != "" {
			d.ReplyTo = model.ID(reply)
		}
		if path, _ := cmd.Flags().GetString("image"); path != "" {
			att, err := readAttachment(path)
			if err != nil {
				return err
			}
			d.Image = att
		}
		if err := d.Validate(); err != nil {
			return err
		}

		client, err := current.apiClient()
		if err != nil {
			return err
		}
		m, err := client.SendMessage(cmd.Context(), d)
		if err != nil {
			return fmt.Errorf("%s", describe(err))
		}
		current.broadcast(cmd.Context(), groupID, model.EventMessageCreated, model.MessageCreated{Message: m})
		fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m, time.Now()))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := current.requireGroup()
		if err != nil {
			return err
		}
		client, err := current.apiClient()
		if err != nil {
			return err
		}
		id := model.ID(args[0])
		rev, err := client.DeleteMessage(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("%s", describe(err))
		}
		current.broadcast(cmd.Context(), groupID, model.EventMessageDeleted, model.MessageDeleted{MessageID: id, Task: rev})
		if rev != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (-%d points for %s)\n", id, rev.PointsEarned, rev.AuthUID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	},
}

var leaderboardCmd = &cobra.Command{
	Use:     "leaderboard",
	Aliases: []string{"board"},
	Short:   "Show the group's point standings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		groupID, err := current.requireGroup()
		if err != nil {
			return err
		}
		client, err := current.apiClient()
		if err != nil {
			return err
		}
		members, err := client.FetchMembers(cmd.Context(), groupID)
		if err != nil {
			return fmt.Errorf("%s", describe(err))
		}
		l := ledger.New()
		l.Initialize(members)
		self, _ := current.uid()
		fmt.Fprint(cmd.OutOrStdout(), formatStandings(l.Standings(), self))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print one page of the group's messages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		groupID, err := current.requireGroup()
		if err != nil {
			return err
		}
		client, err := current.apiClient()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = current.cfg.PageSize
		}
		cursor, _ := cmd.Flags().GetString("cursor")
		page, err := client.FetchMessages(cmd.Context(), groupID, model.Cursor(cursor), limit)
		if err != nil {
			return fmt.Errorf("%s", describe(err))
		}
		out := cmd.OutOrStdout()
		fmt.Fprint(out, formatFeed(page.Messages, time.Now()))
		if page.NextCursor != "" {
			fmt.Fprintf(out, "more: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

// broadcast tells the rest of the group about a change made over REST. A
// failure only costs other members a live update, so it is logged.
func (a *app) broadcast(ctx context.Context, groupID string, typ model.EventType, payload any) {
	sub, err := a.dialer().Subscribe(groupID, push.Handlers{})
	if err != nil {
		a.log.Warn("broadcast_failed", zap.Error(err))
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	select {
	case <-sub.Ready():
	case <-ctx.Done():
		a.log.Warn("broadcast_failed", zap.String("type", string(typ)), zap.Error(ctx.Err()))
		return
	}
	if err := sub.Emit(ctx, typ, payload); err != nil {
		a.log.Warn("broadcast_failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

func readAttachment(path string) (*model.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return &model.Attachment{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
	}, nil
}
