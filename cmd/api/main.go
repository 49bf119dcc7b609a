package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"fleetopt/internal/api"
	"fleetopt/internal/config"
	"fleetopt/internal/dispatch"
	"fleetopt/internal/feed"
	"fleetopt/internal/metrics"
	"fleetopt/internal/notify"
	"fleetopt/internal/opt"
	"fleetopt/internal/oracle"
	"fleetopt/internal/reopt"
	"fleetopt/internal/store"
	"fleetopt/internal/vehiclelock"
	"fleetopt/internal/webhooks"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg, err := config.Load(os.Getenv("FLEETOPT_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready := map[string]api.Checker{}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		if cfg.DBMigrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		st = pg
		ready["postgres"] = pg
		log.Printf("store=postgres")
	} else {
		st = store.NewMemory()
		log.Printf("store=memory")
	}

	var (
		broker notify.Broker
		locks  vehiclelock.Locker
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		broker = notify.NewRedisBroker(rdb)
		rl := vehiclelock.NewRedis(rdb)
		rl.Lease = cfg.Dispatch.LockLease
		locks = rl
		ready["redis"] = api.CheckFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Printf("broker=redis locks=redis")
	} else {
		broker = notify.NewMemoryBroker()
		locks = vehiclelock.NewLocal()
		log.Printf("broker=memory locks=local")
	}

	fanout := notify.NewFanout(notify.Sink{Name: "broker", Publisher: broker})
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("amqp: %v", err)
		}
		defer conn.Close()
		ap, err := notify.NewAMQPPublisher(conn)
		if err != nil {
			log.Fatalf("amqp publisher: %v", err)
		}
		fanout.Add("amqp", ap)
		ready["amqp"] = api.CheckFunc(func(context.Context) error {
			if conn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		})
	}
	var worker *webhooks.Worker
	if cfg.WebhookURL != "" {
		fanout.Add("webhooks", webhooks.NewPublisher(st, webhooks.Target{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Events: cfg.WebhookEvents,
		}))
		worker = webhooks.NewWorker(st, cfg.WebhookMaxAttempts)
		worker.Start()
	}

	var orc oracle.Oracle
	if cfg.Oracle.Offline {
		orc = oracle.Haversine{}
		log.Printf("oracle=haversine")
	} else {
		orc = oracle.NewOSRM(cfg.Oracle.URL,
			oracle.WithProfile(cfg.Oracle.Profile),
			oracle.WithRateLimit(cfg.Oracle.RateRPS, cfg.Oracle.Burst),
			oracle.WithHTTPClient(&http.Client{Timeout: cfg.Oracle.Timeout}),
		)
		log.Printf("oracle=osrm url=%s profile=%s", cfg.Oracle.URL, cfg.Oracle.Profile)
	}
	matrix := &opt.MatrixBuilder{
		Oracle:      orc,
		Concurrency: cfg.Matrix.Concurrency,
		Retries:     cfg.Matrix.Retries,
		Backoff:     cfg.Matrix.Backoff,
		Depot:       cfg.Dispatch.Depot,
	}
	builder := opt.Builder{MaxIterations: cfg.Dispatch.MaxIterations}

	coord := &dispatch.Coordinator{
		Store:     st,
		Matrix:    matrix,
		Builder:   builder,
		Locks:     locks,
		Publisher: fanout,
		Weights:   cfg.Dispatch.Scorer,
		MaxStops:  cfg.Dispatch.MaxStops,
	}
	ctrl := &reopt.Controller{
		Store:       st,
		Matrix:      matrix,
		Builder:     builder,
		Locks:       locks,
		Publisher:   fanout,
		Conditions:  reopt.NewConditions(cfg.Reopt.ConditionTTL),
		History:     reopt.NewHistory(0),
		Cost:        cfg.Reopt.Cost,
		Threshold:   cfg.Reopt.Threshold,
		Concurrency: cfg.Reopt.Concurrency,
	}
	sched := reopt.NewScheduler(ctrl, coord, cfg.Reopt.Interval)
	sched.Start()

	var sub *feed.Subscriber
	var mq mqtt.Client
	if cfg.MQTTBroker != "" {
		mq, err = feed.NewMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		sub = feed.NewSubscriber(mq, st, ctrl)
		if err := sub.Start(); err != nil {
			log.Fatalf("mqtt subscribe: %v", err)
		}
		ready["mqtt"] = api.CheckFunc(func(context.Context) error {
			if !mq.IsConnectionOpen() {
				return errors.New("mqtt connection down")
			}
			return nil
		})
	}

	srv := &api.Server{
		Store:          st,
		Dispatch:       coord,
		Reopt:          ctrl,
		Broker:         broker,
		Ready:          ready,
		RequestTimeout: 30 * time.Second,
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("fleetopt listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if sub != nil {
		sub.Stop()
		mq.Disconnect(250)
	}
	sched.Stop()
	if worker != nil {
		worker.Stop()
	}
}
