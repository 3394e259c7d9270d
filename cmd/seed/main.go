package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"webtasks.org/internal/seed"
	"webtasks.org/internal/store/mongostore"
	"webtasks.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		driver   = flag.String("driver", envOr("WEBTASKS_STORAGE_DRIVER", "postgres"), "Storage driver: postgres or mongo")
		dsn      = flag.String("dsn", os.Getenv("WEBTASKS_PG_DSN"), "PostgreSQL DSN")
		mongoURI = flag.String("mongo-uri", os.Getenv("WEBTASKS_MONGO_URI"), "MongoDB URI")
		mongoDB  = flag.String("mongo-db", envOr("WEBTASKS_MONGO_DATABASE", "webtasks"), "MongoDB database")
		password = flag.String("password", os.Getenv("WEBTASKS_SEED_PASSWORD"), "Password for every demo user")
		cost     = flag.Int("cost", 12, "bcrypt cost")
	)
	flag.Parse()

	if *password == "" {
		log.Fatal("missing password: provide via -password or WEBTASKS_SEED_PASSWORD")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var store seed.Store
	switch strings.ToLower(*driver) {
	case "postgres":
		if *dsn == "" {
			log.Fatal("missing DSN: provide via -dsn or WEBTASKS_PG_DSN")
		}
		s, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 2})
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer s.Close()
		store = s
	case "mongo":
		if *mongoURI == "" {
			log.Fatal("missing URI: provide via -mongo-uri or WEBTASKS_MONGO_URI")
		}
		s, err := mongostore.Open(ctx, *mongoURI, *mongoDB)
		if err != nil {
			log.Fatalf("open mongo: %v", err)
		}
		defer s.Close(context.Background())
		store = s
	default:
		log.Fatalf("unknown driver %q", *driver)
	}

	res, err := seed.Apply(ctx, store, seed.DemoUsers, *password, *cost)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	fmt.Printf("seed OK: %d users, %d tasks created\n", res.Users, res.Tasks)
	for _, email := range res.Skipped {
		fmt.Printf("  skipped existing %s\n", email)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
