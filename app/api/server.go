// Package api provides rest-like server and websocket feed
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-pkgz/lcw"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/pkg/errors"

	"github.com/umputun/command-feed/app/feed"
	"github.com/umputun/command-feed/app/models"
	"github.com/umputun/command-feed/app/proc"
	"github.com/umputun/command-feed/app/store"
)

// Server provides HTTP API and websocket feed
type Server struct {
	Version   string
	Conf      proc.Conf
	Store     store.Engine
	Broker    *feed.Broker
	Recorder  proc.Recorder
	WebRoot   string
	RateLimit float64 // requests per second per ip, 10 if not set

	httpServer *http.Server
	cache      lcw.LoadingCache
}

const defaultItemsCount = 50

// Run starts http server for API and websocket, blocks until ctx canceled
func (s *Server) Run(ctx context.Context, port int) error {
	log.Printf("[INFO] starting server on port %d", port)
	router, err := s.router()
	if err != nil {
		return err
	}

	sub := s.Broker.Subscribe()
	go s.invalidateOnUpdates(ctx, sub)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e := s.httpServer.Shutdown(shutdownCtx); e != nil {
			log.Printf("[WARN] http shutdown error, %v", e)
		}
		log.Printf("[INFO] http server terminated")
	}()

	if err = s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

func (s *Server) router() (http.Handler, error) {
	s.Conf.SetDefaults()
	cache, err := lcw.NewExpirableCache(lcw.MaxKeys(100), lcw.TTL(5*time.Minute))
	if err != nil {
		return nil, errors.Wrap(err, "failed to make cache")
	}
	s.cache = cache

	router := chi.NewRouter()
	router.Use(middleware.RealIP, rest.Recoverer(log.Default()))
	router.Use(rest.AppInfo("command-feed", "umputun", s.Version), rest.Ping)

	// websocket connections are long-living, no timeout and throttle for them
	router.Get("/ws/feed", s.wsFeedHandler().ServeHTTP)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(middleware.Throttle(1000))
		r.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(s.rateLimit(), nil)))
		r.Use(logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler)

		r.Route("/api/v1", func(rapi chi.Router) {
			rapi.Get("/items", s.getItemsCtrl)
			rapi.Get("/items/{uuid}", s.getItemCtrl)
			rapi.Get("/authors", s.getAuthorsCtrl)
			rapi.Post("/items/test", s.postTestItemCtrl)
		})
	})

	if s.WebRoot != "" {
		fs := http.FileServer(http.Dir(s.WebRoot))
		router.NotFound(fs.ServeHTTP)
	}
	return router, nil
}

func (s *Server) rateLimit() float64 {
	if s.RateLimit <= 0 {
		return 10
	}
	return s.RateLimit
}

// GET /api/v1/items?count=N&test=include|exclude|only
func (s *Server) getItemsCtrl(w http.ResponseWriter, r *http.Request) {
	count := defaultItemsCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, errors.Errorf("bad count %q", v), "invalid count")
			return
		}
		count = n
	}
	if count > s.Conf.System.MaxRequest {
		count = s.Conf.System.MaxRequest
	}

	filter, err := models.ParseTestFilter(r.URL.Query().Get("test"))
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "invalid test filter")
		return
	}

	key := fmt.Sprintf("items:%d:%s", count, filter)
	data, err := s.cache.Get(key, func() (lcw.Value, error) {
		return s.Store.Recent(count, filter)
	})
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't load items")
		return
	}
	render.JSON(w, r, data)
}

// GET /api/v1/items/{uuid}
func (s *Server) getItemCtrl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	item, err := s.Store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, err, "item not found")
		return
	}
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't load item")
		return
	}
	render.JSON(w, r, item)
}

// GET /api/v1/authors
func (s *Server) getAuthorsCtrl(w http.ResponseWriter, r *http.Request) {
	data, err := s.cache.Get("authors", func() (lcw.Value, error) {
		return s.Store.Authors()
	})
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't load authors")
		return
	}
	render.JSON(w, r, data)
}

// POST /api/v1/items/test, body {"command_name":"...","command_output":"..."} is optional
func (s *Server) postTestItemCtrl(w http.ResponseWriter, r *http.Request) {
	req := struct {
		CommandName   string `json:"command_name"`
		CommandOutput string `json:"command_output"`
	}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "invalid request")
			return
		}
	}
	if strings.TrimSpace(req.CommandName) == "" {
		req.CommandName = "test"
	}
	if req.CommandOutput == "" {
		req.CommandOutput = "test output"
	}

	item, err := s.Recorder.Record(models.Author{ID: "test", Name: "test"}, req.CommandName, req.CommandOutput, true)
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't record test item")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, item)
}

// invalidateOnUpdates purges cache on every published item
func (s *Server) invalidateOnUpdates(ctx context.Context, sub *feed.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Items():
			if !ok {
				return
			}
			s.cache.Purge()
		}
	}
}
