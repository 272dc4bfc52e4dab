package proc

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/umputun/command-feed/app/models"
)

// Recorder records answered command
type Recorder interface {
	Record(author models.Author, command, output string, test bool) (models.FeedItem, error)
}

type telegramAPI interface {
	Handle(endpoint interface{}, handler interface{})
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
	SetCommands(cmds []tb.Command) error
	Start()
	Stop()
}

// TelegramBot answers commands and records every answer
type TelegramBot struct {
	Bot       telegramAPI
	Recorder  Recorder
	Codenames CodenameData
}

const (
	commandStart    = "/start"
	commandHelp     = "/help"
	commandRegister = "/register"
	commandCodename = "/codename"

	msgHelp = `Use commands:
/codename - generate a random codename
/register - register bot commands
/help - show this help
`
)

var botCommands = []tb.Command{
	{Text: "codename", Description: "Generates a random codename"},
	{Text: "register", Description: "Registers bot commands"},
	{Text: "help", Description: "Shows help"},
}

// NewTelegramBot init telegram bot
func NewTelegramBot(token, apiURL string, timeout time.Duration, rec Recorder, codenames CodenameData) (*TelegramBot, error) {
	if timeout == 0 {
		timeout = time.Second * 60
	}

	if token == "" {
		return nil, errors.New("empty telegram token")
	}

	bot, err := tb.NewBot(tb.Settings{
		URL:    apiURL,
		Token:  token,
		Poller: &tb.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to make telegram bot")
	}

	return &TelegramBot{Bot: bot, Recorder: rec, Codenames: codenames}, nil
}

// Run registers handlers and starts polling, blocks until ctx canceled
func (t *TelegramBot) Run(ctx context.Context) {
	t.Bot.Handle(commandStart, t.onHelp)
	t.Bot.Handle(commandHelp, t.onHelp)
	t.Bot.Handle(commandRegister, t.onRegister)
	t.Bot.Handle(commandCodename, t.onCodename)

	t.Bot.Handle(tb.OnText, func(m *tb.Message) {
		log.Printf("[DEBUG] telegram receive unknown text: \n%s", m.Text)
	})

	go func() {
		<-ctx.Done()
		t.Bot.Stop()
		log.Print("[INFO] telegram bot stopped")
	}()

	log.Print("[INFO] telegram bot started")
	t.Bot.Start()
}

func (t *TelegramBot) onHelp(m *tb.Message) {
	t.reply(m, strings.TrimPrefix(commandHelp, "/"), msgHelp)
}

func (t *TelegramBot) onRegister(m *tb.Message) {
	if err := t.Bot.SetCommands(botCommands); err != nil {
		log.Printf("[WARN] failed to register commands, %v", err)
		t.send(m, "Failed to register commands")
		return
	}
	t.reply(m, strings.TrimPrefix(commandRegister, "/"), RegisterResponse())
}

func (t *TelegramBot) onCodename(m *tb.Message) {
	codename, err := t.Codenames.Generate()
	if err != nil {
		log.Printf("[WARN] %v", err)
		t.send(m, "Codename generation failed")
		return
	}
	t.reply(m, strings.TrimPrefix(commandCodename, "/"), CodenameResponse(codename))
}

// reply sends response to the chat and records it as feed item
func (t *TelegramBot) reply(m *tb.Message, command, response string) {
	logCommand(command, m)
	if !t.send(m, response) {
		return
	}
	if _, err := t.Recorder.Record(authorOf(m), command, response, false); err != nil {
		log.Printf("[WARN] failed to log command usage, %v", err)
	}
}

func (t *TelegramBot) send(m *tb.Message, text string) bool {
	if _, err := t.Bot.Send(m.Chat, text); err != nil {
		log.Printf("[WARN] failed to send reply to chat %d, %v", m.Chat.ID, err)
		return false
	}
	return true
}

func authorOf(m *tb.Message) models.Author {
	if m.Sender == nil {
		return models.Author{ID: "unknown", Name: "unknown"}
	}
	name := m.Sender.Username
	if name == "" {
		name = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
	}
	return models.Author{ID: fmt.Sprintf("%d", m.Sender.ID), Name: name}
}

func logCommand(command string, m *tb.Message) {
	log.Printf("[DEBUG] telegram receive command: '%s' in chat: '%d'\n%s", command, m.Chat.ID, m.Payload)
}
