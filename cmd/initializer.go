package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"dispatchBack/internal/config"
	"dispatchBack/internal/logistics"
	"dispatchBack/internal/logistics/events"
	"dispatchBack/internal/logistics/geo"
	"dispatchBack/internal/logistics/lifecycle"
	"dispatchBack/internal/logistics/notify"
	"dispatchBack/internal/logistics/plans"
	"dispatchBack/internal/logistics/timeutil"
)

type application struct {
	errorLog  *log.Logger
	infoLog   *log.Logger
	jwtSecret []byte
	engine    *logistics.Engine
}

func initializeApp(ctx context.Context, cfg config.Config, engineCfg logistics.Config, db *sql.DB, rdb *redis.Client, infoLog, errorLog *log.Logger) (*application, error) {
	app := &application{
		errorLog:  errorLog,
		infoLog:   infoLog,
		jwtSecret: []byte(cfg.Auth.JWTSecret),
	}
	logger := logAdapter{info: infoLog, err: errorLog}

	deps := &logistics.Deps{
		DB:               db,
		DBDriver:         cfg.Database.Driver,
		Redis:            rdb,
		Logger:           logger,
		Config:           engineCfg,
		Migrate:          cfg.Database.Migrate && cfg.Database.Driver == "mysql",
		DriverIdentity:   app.wsIdentity(lifecycle.RoleDriver),
		CustomerIdentity: app.wsIdentity(lifecycle.RoleCustomer),
	}

	if key := cfg.Maps.APIKey; key != "" {
		google, err := geo.NewGoogleRouter(key)
		if err != nil {
			return nil, fmt.Errorf("google maps: %w", err)
		}
		deps.Router = geo.FallbackRouter{
			Primary:  google,
			Fallback: geo.StraightLineRouter{},
			OnError:  func(err error) { errorLog.Printf("distance matrix failed, using straight line: %v", err) },
		}
	}

	if file := cfg.Firebase.CredentialsFile; file != "" {
		pusher, err := notify.NewFCMPusher(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("firebase: %w", err)
		}
		deps.Pusher = pusher
	} else {
		infoLog.Printf("firebase credentials not set, push disabled")
	}

	if cfg.AWS.AccessKey != "" {
		sms, err := notify.NewSNSSender(notify.SNSConfig{
			Region:    cfg.AWS.Region,
			AccessKey: cfg.AWS.AccessKey,
			SecretKey: cfg.AWS.SecretKey,
			SenderID:  cfg.AWS.SenderID,
		})
		if err != nil {
			return nil, fmt.Errorf("sns: %w", err)
		}
		deps.SMS = sms
	}

	switch cfg.Events.Backend {
	case "kafka":
		deps.Events = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
	case "amqp":
		pub, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		deps.Events = pub
	}

	if key := cfg.Stripe.APIKey; key != "" {
		deps.Verifier = plans.NewStripeVerifier(key, timeutil.Now)
	}

	engine, err := logistics.Bootstrap(ctx, deps)
	if err != nil {
		return nil, err
	}
	app.engine = engine
	return app, nil
}

func openDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}

func openRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
