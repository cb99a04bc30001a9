package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/groupsync/pkg/api"
	"github.com/mahaj/groupsync/pkg/model"
	"github.com/mahaj/groupsync/pkg/session"
)

func init() {
	watchCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a group live and chat from stdin",
	Long: `Follow a group's feed and leaderboard live. Lines typed on stdin are sent
as messages. Commands:

  /more          load earlier messages
  /delete <id>   delete one of your messages
  /reply <id> t  reply to a message
  /task <id> <points> [photo]
                 report a completed task
  /undo <id> [points]
                 withdraw a task completion
  /board         show the leaderboard
  /feed          show the feed again
  /quit          leave`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("metrics-addr") {
			current.cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}
		return current.watch(cmd.Context(), os.Stdin, cmd.OutOrStdout())
	},
}

func (a *app) watch(ctx context.Context, in io.Reader, out io.Writer) error {
	groupID, err := a.requireGroup()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	var (
		outMu   sync.Mutex
		printed = map[model.ID]struct{}{}
		d       *deps
	)
	// print new messages as they show up
	onChange := func() {
		if d == nil {
			return
		}
		msgs := d.session.Messages()
		outMu.Lock()
		defer outMu.Unlock()
		now := time.Now()
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.Pending {
				continue
			}
			if _, seen := printed[m.ID]; seen {
				continue
			}
			printed[m.ID] = struct{}{}
			fmt.Fprintf(out, "\r%s\n> ", formatMessage(m, now))
		}
	}

	d, err = a.newSession(reg, onChange)
	if err != nil {
		return err
	}
	defer d.close()

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics_server_failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	s := d.session
	group := model.Group{ID: groupID}
	if err := s.Activate(ctx, group); err != nil {
		// the group stays active; live events still arrive
		fmt.Fprintf(out, "could not load %s: %v\n", groupID, err)
	}
	if line := formatCountdown(s.State().Current(), time.Now()); line != "" {
		fmt.Fprintln(out, line)
	}
	onChange()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit := a.handleLine(ctx, s, line, out, &outMu)
			if quit {
				return nil
			}
			outMu.Lock()
			fmt.Fprint(out, "> ")
			outMu.Unlock()
		}
	}
}

// handleLine runs one input line and reports whether the user asked to quit.
func (a *app) handleLine(ctx context.Context, s *session.Session, line string, out io.Writer, mu *sync.Mutex) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	say := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format+"\n", args...)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true
	case "/more":
		pager := s.Pager()
		if !pager.CanLoadMore() {
			say("no earlier messages")
			return false
		}
		if _, err := pager.LoadMore(ctx); err != nil {
			say("load earlier failed: %s", describe(err))
			return false
		}
		say("%s", strings.TrimRight(formatFeed(s.Messages(), time.Now()), "\n"))
	case "/feed":
		say("%s", strings.TrimRight(formatFeed(s.Messages(), time.Now()), "\n"))
	case "/board":
		say("%s", strings.TrimRight(formatStandings(s.Standings(), a.cfg.UID), "\n"))
	case "/delete":
		if rest == "" {
			say("usage: /delete <id>")
			return false
		}
		if err := s.Delete(ctx, model.ID(rest)); err != nil {
			say("delete failed: %s", describe(err))
			return false
		}
		say("deleted %s", rest)
	case "/reply":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" {
			say("usage: /reply <id> <text>")
			return false
		}
		if _, err := s.Send(ctx, model.Draft{Text: text, ReplyTo: model.ID(id)}); err != nil {
			say("send failed: %s", describe(err))
		}
	case "/task":
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			say("usage: /task <id> <points> [photo]")
			return false
		}
		points, err := strconv.Atoi(fields[1])
		if err != nil {
			say("points must be a number")
			return false
		}
		sub := model.TaskSubmission{TaskID: model.ID(fields[0]), Points: points, Language: a.cfg.Language}
		if len(fields) > 2 {
			photo, err := readAttachment(fields[2])
			if err != nil {
				say("%v", err)
				return false
			}
			sub.Photo = photo
		}
		if _, err := s.CompleteTask(ctx, sub); err != nil {
			say("task failed: %s", describe(err))
		}
	case "/undo":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			say("usage: /undo <id> [points]")
			return false
		}
		undo := model.TaskUndo{TaskID: model.ID(fields[0])}
		if len(fields) > 1 {
			undo.Points, _ = strconv.Atoi(fields[1])
		}
		id, err := s.UndoTask(ctx, undo)
		if err != nil {
			say("undo failed: %s", describe(err))
			return false
		}
		say("withdrew task %s (message %s)", undo.TaskID, id)
	default:
		if strings.HasPrefix(cmd, "/") {
			say("unknown command %s", cmd)
			return false
		}
		if _, err := s.Send(ctx, model.Draft{Text: line}); err != nil {
			say("send failed: %s", describe(err))
		}
	}
	return false
}

// describe turns an error into a one-line notice.
func describe(err error) string {
	switch {
	case errors.Is(err, session.ErrStaleGroup):
		return "the group changed while loading"
	case errors.Is(err, model.ErrEmptyMessage):
		return "message is empty"
	case api.IsRejected(err):
		return "refused by the server: " + err.Error()
	case errors.Is(err, api.ErrTransport):
		return "network problem, try again: " + err.Error()
	default:
		return err.Error()
	}
}
