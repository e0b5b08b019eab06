package main

import (
	"context"
	"log"

	"chatbridge/config"
	"chatbridge/pkg/api"
	"chatbridge/pkg/app"
	"chatbridge/pkg/repository"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	jww "github.com/spf13/jwalterweatherman"
)

func init() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment as-is")
	}
}

func main() {
	cfg := config.Load()

	jww.SetStdoutThreshold(jww.LevelInfo)
	if cfg.Service.Env == "development" {
		jww.SetStdoutThreshold(jww.LevelDebug)
	}

	var (
		store api.Store
		blobs api.BlobStore
	)
	if cfg.Service.Demo {
		jww.INFO.Println("Demo mode: using in-memory store")
		store = repository.NewMemoryStore()
		blobs = repository.NewMemoryBlobStore()
	} else {
		firebaseApp := config.SetupFirebase(cfg)

		firestore, err := firebaseApp.Firestore(context.Background())
		if err != nil {
			log.Fatalln(err)
		}
		defer firestore.Close()

		blobStore, err := repository.NewFirebaseBlobStore(context.Background(), firebaseApp)
		if err != nil {
			log.Fatalln(err)
		}

		store = repository.NewFirestoreStore(firestore)
		blobs = blobStore
	}

	session := api.NewSessionStore(cfg.Session.Dir)

	router := chi.NewRouter()

	server := app.NewServer(cfg, router, store, blobs, session, clock.New())

	if err := server.Run(); err != nil {
		log.Println(err)
	}
}
