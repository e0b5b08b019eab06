package config

import (
	"context"
	"log"

	firebase "firebase.google.com/go/v4"
)

func SetupFirebase(cfg Config) *firebase.App {
	var fbConfig *firebase.Config
	if cfg.Firebase.StorageBucket != "" {
		fbConfig = &firebase.Config{StorageBucket: cfg.Firebase.StorageBucket}
	}
	app, err := firebase.NewApp(context.Background(), fbConfig)
	if err != nil {
		log.Fatalln(err)
	}
	return app
}
