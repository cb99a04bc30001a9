package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mahaj/groupsync/pkg/ledger"
	"github.com/mahaj/groupsync/pkg/model"
)

func formatMessage(m model.Message, now time.Time) string {
	var b strings.Builder
	name := m.User.Name
	if name == "" {
		name = m.User.ID
	}
	fmt.Fprintf(&b, "[%s] %s, %s", m.ID, name, humanize.RelTime(m.CreatedAt, now, "ago", "from now"))
	if m.Pending {
		b.WriteString(" (sending)")
	}
	b.WriteString(": ")
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "(re %s) ", m.ReplyTo.ID)
	}
	b.WriteString(m.Text)
	if m.Image != "" {
		if m.Text != "" {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "<image %s>", m.Image)
	}
	if m.Task != nil {
		fmt.Fprintf(&b, " [task %s +%d]", m.Task.TaskID, m.Task.Points)
	}
	return b.String()
}

// formatFeed renders messages oldest first, the way a chat reads.
func formatFeed(msgs []model.Message, now time.Time) string {
	var b strings.Builder
	for i := len(msgs) - 1; i >= 0; i-- {
		b.WriteString(formatMessage(msgs[i], now))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatStandings(standings []model.Standing, self string) string {
	var b strings.Builder
	for _, s := range standings {
		marker := " "
		if s.Key() == self {
			marker = "*"
		}
		name := s.Name
		if name == "" {
			name = s.Key()
		}
		fmt.Fprintf(&b, "%s %-5s %-20s %8s pts  level %d", marker, humanize.Ordinal(s.Rank), name, humanize.Comma(int64(s.Points)), s.Level)
		if next, ok := ledger.NextLevelAt(s.Points); ok {
			fmt.Fprintf(&b, " (%d to next)", next-s.Points)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatCountdown(g model.Group, now time.Time) string {
	if g.EndDate.IsZero() {
		return ""
	}
	days := g.DaysRemaining(now)
	switch {
	case days <= 0:
		return "challenge ended " + humanize.Time(g.EndDate)
	case days == 1:
		return "1 day left"
	default:
		return fmt.Sprintf("%d days left", days)
	}
}
