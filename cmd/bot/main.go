package main

import (
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/flow-bot/internal/bot"
	"github.com/xaenox/flow-bot/internal/router"
	"github.com/xaenox/flow-bot/internal/runner"
	"github.com/xaenox/flow-bot/internal/storage"
	"github.com/xaenox/flow-bot/internal/tools"
	"github.com/xaenox/flow-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize clients
	llm := openai.NewClient(cfg.OpenAI.APIKey)
	toolService := tools.NewClient(cfg.Tools.BaseURL, cfg.Tools.APIKey,
		time.Duration(cfg.Tools.TimeoutSeconds)*time.Second)
	loader := tools.NewLoader(toolService, cfg.Tools.MaxPerToolkit, logger)

	// Initialize the routing and execution pipeline
	rt := router.New(store, llm, cfg.OpenAI.RouterModel, cfg.Router.MaxWorkflows, cfg.Router.MinConfidence, logger)
	workflowRunner := runner.NewWorkflowRunner(store, loader, llm, toolService,
		cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, cfg.Runner.MaxSteps, logger)
	genericRunner := runner.NewGenericRunner(store, loader, llm, toolService,
		cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, cfg.Runner.MaxSteps, logger)
	pipeline := bot.NewPipeline(store, rt, workflowRunner, genericRunner, cfg.Runner.ContextWindow, logger)

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, store, pipeline, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
}
