package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/newsroom/courier/internal/clix"
	"github.com/newsroom/courier/internal/dao"
	"github.com/newsroom/courier/internal/metrics"
	"github.com/newsroom/courier/internal/queue"
	"github.com/newsroom/courier/internal/transport"
	"github.com/newsroom/courier/internal/web"
	"github.com/newsroom/courier/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {

	app := &cli.App{
		Name:  "courierd",
		Usage: "a service draining the outbound email task queue of a news site backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"COURIER_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "db-uri",
				EnvVars: []string{"COURIER_DB_URI"},
				Value:   "./courier.sqlite",
			},

			&cli.StringFlag{
				Name:    "http-interface",
				EnvVars: []string{"COURIER_HTTP_INTERFACE"},
			},
			&cli.IntFlag{
				Name:    "http-port",
				EnvVars: []string{"COURIER_HTTP_PORT"},
				Value:   8080,
			},

			&cli.StringFlag{
				Name:    "transport-mode",
				EnvVars: []string{"COURIER_TRANSPORT_MODE"},
				Usage:   "credential variant of the mail transport, 'smtp' or 'gmail'",
				Value:   "smtp",
			},
			&cli.StringFlag{
				Name:    "default-from",
				EnvVars: []string{"COURIER_DEFAULT_FROM"},
				Usage:   "sender identity applied to tasks without an explicit from address",
			},
			&cli.StringFlag{
				Name:    "smtp-host",
				EnvVars: []string{"COURIER_SMTP_HOST"},
			},
			&cli.IntFlag{
				Name:    "smtp-port",
				EnvVars: []string{"COURIER_SMTP_PORT"},
				Value:   587,
			},
			&cli.StringFlag{
				Name:    "smtp-username",
				EnvVars: []string{"COURIER_SMTP_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "smtp-password",
				EnvVars: []string{"COURIER_SMTP_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "gmail-credentials-file",
				EnvVars: []string{"COURIER_GMAIL_CREDENTIALS_FILE"},
				Usage:   "path to a service account credential document",
			},
			&cli.StringFlag{
				Name:    "gmail-impersonate",
				EnvVars: []string{"COURIER_GMAIL_IMPERSONATE"},
				Usage:   "mailbox address the service account acts as",
			},

			&cli.IntFlag{
				Name:    "queue-batch-size",
				EnvVars: []string{"COURIER_QUEUE_BATCH_SIZE"},
				Usage:   "max tasks per drain cycle, keep low for rate limited transports",
				Value:   50,
			},
			&cli.IntFlag{
				Name:    "queue-workers",
				EnvVars: []string{"COURIER_QUEUE_WORKERS"},
				Value:   10,
			},
			&cli.DurationFlag{
				Name:    "queue-drain-interval",
				EnvVars: []string{"COURIER_QUEUE_DRAIN_INTERVAL"},
				Usage:   "self driving drain interval, 0 leaves draining to the external scheduler",
			},

			&cli.DurationFlag{
				Name:    "janitor-interval",
				EnvVars: []string{"COURIER_JANITOR_INTERVAL"},
				Value:   10 * time.Minute,
			},
			&cli.DurationFlag{
				Name:    "janitor-threshold",
				EnvVars: []string{"COURIER_JANITOR_THRESHOLD"},
				Value:   30 * time.Minute,
			},

			&cli.StringFlag{
				Name:    "metrics-service-name",
				EnvVars: []string{"COURIER_METRICS_SERVICE_NAME"},
				Value:   "courierd",
			},
			&cli.StringFlag{
				Name:    "metrics-push-url",
				EnvVars: []string{"COURIER_METRICS_PUSH_URL"},
			},
			&cli.DurationFlag{
				Name:    "metrics-push-interval",
				EnvVars: []string{"COURIER_METRICS_PUSH_INTERVAL"},
				Value:   time.Minute,
			},
			&cli.BoolFlag{
				Name:    "metrics-poll",
				EnvVars: []string{"COURIER_METRICS_POLL"},
			},
			&cli.StringFlag{
				Name:    "metrics-poll-basic-auth-user",
				EnvVars: []string{"COURIER_METRICS_POLL_BASIC_AUTH_USER"},
			},
			&cli.StringFlag{
				Name:    "metrics-poll-basic-auth-pass",
				EnvVars: []string{"COURIER_METRICS_POLL_BASIC_AUTH_PASS"},
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(c *cli.Context) error {
	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "courierd"})

	level, err := log.ParseLevel(c.String("log-level"))
	if err == nil {
		l.SetLevel(level)
	}
	lc := tools.LoggerCloner(l)

	var stopServer func()
	c.Context, stopServer = context.WithCancel(c.Context)
	defer stopServer()

	l.Infof("starting courierd")

	db, err := dao.NewSQLite(c.String("db-uri"))
	if err != nil {
		return err
	}

	provision := transport.Provisioner(clix.Parse[transport.Config](c), lc)

	qcfg := clix.Parse[queue.Config](c)
	if c.String("transport-mode") == transport.ModeGmail && !c.IsSet("queue-batch-size") {
		// the delegated transport is rate limited, drain smaller batches
		qcfg.BatchSize = 10
	}

	drainer := queue.NewDrainer(qcfg, db, provision, lc)
	drainer.Start()

	janitor := queue.NewJanitor(clix.Parse[queue.JanitorConfig](c), db, lc)
	janitor.Start()

	prom := metrics.New(clix.Parse[metrics.Config](c), lc)
	prom.Start()

	server := web.New(c.Context, clix.Parse[web.Config](c), lc, db, drainer, prom)
	server.Start()

	services := []Stoppable{server, drainer, janitor, prom}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("shutdown complete")
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
