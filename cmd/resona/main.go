package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/latoulicious/Resona/internal/config"
	"github.com/latoulicious/Resona/internal/presence"
	"github.com/latoulicious/Resona/pkg/audionode"
	"github.com/latoulicious/Resona/pkg/events"
	"github.com/latoulicious/Resona/pkg/logging"
	"github.com/latoulicious/Resona/pkg/music"
	"github.com/latoulicious/Resona/pkg/preserve"
	"github.com/latoulicious/Resona/pkg/queue"
	"github.com/latoulicious/Resona/pkg/skipvote"
	"github.com/latoulicious/Resona/pkg/spotifyresolver"
	"github.com/latoulicious/Resona/pkg/voice"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.LoadFromEnvironment()
	logger, err := logging.New(logCfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		logger.Fatal("failed to create discord session", zap.Error(err))
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages

	if err := session.Open(); err != nil {
		logger.Fatal("failed to open discord gateway", zap.Error(err))
	}
	defer session.Close()

	bus := events.NewBus(logger)

	clusterCfg := audionode.DefaultClusterConfig()
	clusterCfg.LoadFromEnvironment()

	// The Spotify resolver is an optional fallback: without credentials
	// the engine still plays everything natively resolvable.
	var metadata audionode.MetadataResolver
	if resolver, err := spotifyresolver.New(spotifyresolver.Config{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
	}); err == nil {
		metadata = resolver
	} else {
		logger.Info("running without cross-platform resolver", zap.Error(err))
	}

	nodes, err := audionode.NewManager(clusterCfg, bus, metadata, session.State.User.ID, logger)
	if err != nil {
		logger.Fatal("failed to create audio node manager", zap.Error(err))
	}

	preserveCfg := preserve.DefaultConfig()
	preserveCfg.LoadFromEnvironment()
	preserved, err := preserve.NewStore(preserveCfg, logger)
	if err != nil {
		logger.Fatal("failed to open preservation store", zap.Error(err))
	}
	defer preserved.Close()

	store := queue.NewStore()
	votes := skipvote.NewManager(nil)
	voiceManager := voice.NewManager(voice.NewDiscordGateway(session), logger)

	service := music.New(store, nodes, voiceManager, votes, bus, preserved, logger)
	if err := service.Start(); err != nil {
		logger.Fatal("failed to start playback service", zap.Error(err))
	}
	defer service.Close()

	status := presence.NewManager(session, store, bus, logger)
	status.Start()
	defer status.Stop()

	logger.Info("resona is running, press ctrl+c to exit")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
}
