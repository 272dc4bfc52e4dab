package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/umputun/command-feed/app/api"
	"github.com/umputun/command-feed/app/feed"
	"github.com/umputun/command-feed/app/proc"
	"github.com/umputun/command-feed/app/store"
)

type options struct {
	DB        string `short:"c" long:"db" env:"CF_DB" default:"var/command-feed.bdb" description:"db file"`
	Engine    string `long:"engine" env:"CF_ENGINE" choice:"bolt" choice:"sqlite" default:"bolt" description:"storage engine"`
	Conf      string `short:"f" long:"conf" env:"CF_CONF" default:"command-feed.yml" description:"config file (yml)"`
	Port      int    `short:"p" long:"port" env:"CF_PORT" default:"8080" description:"web server port"`
	WebRoot   string `long:"web-root" env:"CF_WEB_ROOT" default:"./frontend/build" description:"static files location"`
	Codenames string `long:"codenames" env:"CF_CODENAMES" default:"assets/codenames.json" description:"codenames data (json)"`

	TelegramServer  string        `long:"telegram_server" env:"TELEGRAM_SERVER" default:"https://api.telegram.org" description:"telegram bot api server"`
	TelegramToken   string        `long:"telegram_token" env:"TELEGRAM_TOKEN" description:"telegram token"`
	TelegramTimeout time.Duration `long:"telegram_timeout" env:"TELEGRAM_TIMEOUT" default:"1m" description:"telegram timeout"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("command-feed %s\n", revision)
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	log.Printf("[INFO] terminated")
}

func run(ctx context.Context, opts options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conf, err := loadConfig(opts.Conf)
	if err != nil {
		return errors.Wrapf(err, "can't load config %s", opts.Conf)
	}
	conf.SetDefaults()

	codenames, err := proc.LoadCodenames(opts.Codenames)
	if err != nil {
		return errors.Wrap(err, "can't load codenames")
	}

	db, err := store.New(opts.Engine, opts.DB)
	if err != nil {
		return errors.Wrapf(err, "can't open db %s", opts.DB)
	}
	defer func() {
		if e := db.Close(); e != nil {
			log.Printf("[WARN] failed to close db, %v", e)
		}
	}()

	broker := &feed.Broker{Buffer: conf.System.BroadcastBuffer}
	defer broker.Close()

	processor := &proc.Processor{Conf: conf, Store: db, Broker: broker}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		processor.Do(ctx)
	}()

	if opts.TelegramToken == "" {
		log.Printf("[WARN] no telegram token, bot disabled")
	} else {
		bot, e := proc.NewTelegramBot(opts.TelegramToken, opts.TelegramServer, opts.TelegramTimeout, processor, codenames)
		if e != nil {
			return errors.Wrap(e, "failed to initialize telegram bot")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Run(ctx)
		}()

		if len(conf.Telegram.Channels) > 0 {
			notif := &proc.Notifier{
				Bot:           bot.Bot,
				Channels:      conf.Telegram.Channels,
				Concurrent:    conf.System.Concurrent,
				SkipTestItems: conf.Telegram.SkipTestItems,
			}
			sub := broker.Subscribe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				notif.Run(ctx, sub)
			}()
		}
	}

	server := api.Server{
		Version:  revision,
		Conf:     *conf,
		Store:    db,
		Broker:   broker,
		Recorder: processor,
		WebRoot:  opts.WebRoot,
	}
	err = server.Run(ctx, opts.Port)

	// server returns on ctx cancel or failure, stop the rest in both cases
	cancel()
	broker.Close()
	wg.Wait()
	return err
}

func loadConfig(fname string) (res *proc.Conf, err error) {
	res = &proc.Conf{}
	data, err := os.ReadFile(fname) // nolint
	if os.IsNotExist(err) {
		log.Printf("[WARN] no config %s, defaults used", fname)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, err
	}

	return res, nil
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
