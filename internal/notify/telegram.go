// Package notify sends run summaries to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devstack/phaserun/internal/config"
	"github.com/devstack/phaserun/internal/engine"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLen = 4096

type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

// NotifyRun sends the formatted outcome of a run.
func (t *Telegram) NotifyRun(ctx context.Context, title string, report *engine.ExecutionReport, runErr error) error {
	return t.Send(ctx, FormatReport(title, report, runErr))
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// FormatReport renders a plain-text summary of a run: one header line, the
// summary counts and one line per failed agent.
func FormatReport(title string, report *engine.ExecutionReport, runErr error) string {
	var b strings.Builder
	if title == "" {
		title = "run"
	}

	if report == nil {
		fmt.Fprintf(&b, "❌ %s failed", title)
		if runErr != nil {
			fmt.Fprintf(&b, ": %v", runErr)
		}
		return b.String()
	}

	s := report.Summary
	icon := "✅"
	switch {
	case runErr != nil:
		icon = "⚠️"
	case s.Failed > 0 && s.Successful == 0:
		icon = "❌"
	case s.Failed > 0:
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s %s (%s)\n", icon, title, report.ID)
	fmt.Fprintf(&b, "%d/%d agents succeeded in %d phases\n", s.Successful, s.TotalAgents, phaseCount(report))
	fmt.Fprintf(&b, "avg %.0fms, efficiency %.0f%%\n", s.AverageTimeMs, s.ParallelEfficiency)
	if d := report.CompletedAt.Sub(report.StartedAt); d > 0 {
		fmt.Fprintf(&b, "wall time %s\n", d.Round(time.Millisecond))
	}
	if runErr != nil {
		fmt.Fprintf(&b, "stopped early: %v\n", runErr)
	}

	var failed []string
	for name, r := range report.Results {
		if !r.Success {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(&b, "• %s: %s\n", name, report.Results[name].Error)
	}

	return strings.TrimRight(b.String(), "\n")
}

func phaseCount(r *engine.ExecutionReport) int {
	if r.Plan == nil {
		return 0
	}
	return len(r.Plan.Phases)
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
