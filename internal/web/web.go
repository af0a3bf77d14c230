package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modfin/henry/compare"
	"github.com/newsroom/courier/internal/dao"
	"github.com/newsroom/courier/internal/metrics"
	"github.com/newsroom/courier/internal/queue"
	"github.com/newsroom/courier/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Interface string `cli:"http-interface"`
	Port      int    `cli:"http-port"`
}

func New(ctx context.Context, cfg Config, lc *tools.Logger, db dao.DAO, drainer *queue.Drainer, m *metrics.Metrics) *Server {
	return &Server{
		ctx:     ctx,
		cfg:     cfg,
		log:     lc.New("web"),
		db:      db,
		drainer: drainer,
		metrics: m,
	}
}

type Server struct {
	ctx context.Context
	cfg Config
	log *logrus.Logger
	srv *http.Server

	db      dao.DAO
	drainer *queue.Drainer
	metrics *metrics.Metrics
}

func (s *Server) Start() {
	s.srv = &http.Server{Addr: fmt.Sprintf("%s:%d", s.cfg.Interface, compare.Coalesce(s.cfg.Port, 8080)), Handler: s.router()}
	go func() {
		s.log.Infof("starting webserver on %s", s.srv.Addr)

		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("webserver failed")
		}
	}()
}

func (s *Server) router() http.Handler {

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log}))
	mux.Use(middleware.Heartbeat("/ping"))
	if s.metrics != nil {
		mux.Use(s.metrics.Middleware())
		mux.Get("/metrics", s.metrics.HttpMetrics())
	}

	mux.Post("/queue/process", processQueue(s))
	mux.Post("/api/tasks", enqueueTask(s))
	mux.Get("/api/tasks/{id}", getTask(s))

	return mux
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
