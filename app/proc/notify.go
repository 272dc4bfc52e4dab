package proc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/umputun/command-feed/app/feed"
	"github.com/umputun/command-feed/app/models"
)

const maxOutputLen = 3500

// TelegramSender sends messages to telegram
type TelegramSender interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
}

// Notifier forwards feed items to telegram channels
type Notifier struct {
	Bot           TelegramSender
	Channels      []string
	Concurrent    int
	SkipTestItems bool
}

// Run forwards every item from subscription until ctx canceled or subscription closed
func (n *Notifier) Run(ctx context.Context, sub *feed.Subscription) {
	log.Printf("[INFO] notifier started for %d channels", len(n.Channels))
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-sub.Items():
			if !ok {
				return
			}
			if err := n.Send(item); err != nil {
				log.Printf("[WARN] %v", err)
			}
		}
	}
}

// Send item to all channels, concurrently limited by n.Concurrent
func (n *Notifier) Send(item models.FeedItem) error {
	if n.SkipTestItems && item.TestItem {
		log.Printf("[DEBUG] skip test item %s", item.UUID)
		return nil
	}

	concurrent := n.Concurrent
	if concurrent <= 0 {
		concurrent = 1
	}

	var mu sync.Mutex
	failed := 0
	msg := messageHTML(item)
	swg := syncs.NewSizedGroup(concurrent, syncs.Preemptive)
	for _, ch := range n.Channels {
		ch := ch
		swg.Go(func(context.Context) {
			if _, err := n.Bot.Send(recipient{chatID: ch}, msg, tb.ModeHTML, tb.NoPreview); err != nil {
				log.Printf("[WARN] failed to send telegram message, item=%s to channel=%s, %v", item.UUID, ch, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
	}
	swg.Wait()

	if failed > 0 {
		return errors.Errorf("failed to send %s to %d of %d channels", item.UUID, failed, len(n.Channels))
	}
	return nil
}

// https://core.telegram.org/bots/api#html-style
func tagLinkOnlySupport(htmlText string) string {
	p := bluemonday.NewPolicy()
	p.AllowAttrs("href").OnElements("a")
	return p.Sanitize(htmlText)
}

// messageHTML generates HTML message from provided feed item
func messageHTML(item models.FeedItem) string {
	header := fmt.Sprintf("<b>/%s</b> by %s", html.EscapeString(item.CommandName), html.EscapeString(item.AuthorName))
	if item.TestItem {
		header += " <i>(test)</i>"
	}

	output := item.CommandOutput
	if r := []rune(output); len(r) > maxOutputLen {
		output = string(r[:maxOutputLen]) + "..."
	}
	output = strings.TrimSpace(tagLinkOnlySupport(output))
	if output == "" {
		return header
	}
	return header + "\n\n" + output
}

type recipient struct {
	chatID string
}

// Recipient returns numeric chat id as is, public channel name prefixed with @
func (r recipient) Recipient() string {
	if _, err := strconv.ParseInt(r.chatID, 10, 64); err == nil {
		return r.chatID
	}
	if !strings.HasPrefix(r.chatID, "@") {
		return "@" + r.chatID
	}
	return r.chatID
}
