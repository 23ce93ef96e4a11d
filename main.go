package main

import (
	"os"

	"StoryPack-server/config"
	"StoryPack-server/models"
	"StoryPack-server/routers"
	"StoryPack-server/routers/api"
	"StoryPack-server/service"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config failed")
	}

	database := models.NewDatabase(cfg.MySQL.DSN)
	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("connect database failed")
	}
	defer database.Close()

	store, err := service.NewObjectStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect object store failed")
	}

	queue := service.NewQueue(cfg)
	defer queue.Close()

	pool, err := ants.NewPool(cfg.Pipeline.FanoutConcurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("create worker pool failed")
	}
	defer pool.Release()

	tracker := service.NewTracker(db)
	translator := service.NewTranslator(service.NewLLMClient(cfg), pool, cfg.Pipeline)
	fanout := service.NewFanout(db, pool, service.NewImageClient(cfg), service.NewTTSClient(cfg),
		store, tracker, cfg.Pipeline)
	assembler := service.NewAssembler(store)

	orchestrator := service.NewOrchestrator(db, cfg, translator, fanout, assembler, tracker)
	orchestrator.StartProcessor(5)

	handler := &api.Handler{
		DB:       db,
		Cfg:      cfg,
		Queue:    queue,
		Store:    store,
		Detector: service.NewDetector(),
	}
	r := routers.InitRouter(handler)
	log.Info().Str("port", cfg.Server.Port).Msg("server starting")
	if err := r.Run(cfg.Server.Port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
