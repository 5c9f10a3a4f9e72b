package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merlt/merlt-backend/internal/data/db"
	"github.com/merlt/merlt-backend/internal/data/repos"
	"github.com/merlt/merlt-backend/internal/domain"
	httpSrv "github.com/merlt/merlt-backend/internal/http"
	httpH "github.com/merlt/merlt-backend/internal/http/handlers"
	"github.com/merlt/merlt-backend/internal/modules/experts"
	"github.com/merlt/merlt-backend/internal/modules/feedback"
	"github.com/merlt/merlt-backend/internal/modules/gating"
	"github.com/merlt/merlt-backend/internal/modules/orchestrator"
	"github.com/merlt/merlt-backend/internal/observability"
	"github.com/merlt/merlt-backend/internal/platform/envutil"
	"github.com/merlt/merlt-backend/internal/platform/logger"
	"github.com/merlt/merlt-backend/internal/platform/neo4jdb"
	"github.com/merlt/merlt-backend/internal/platform/openai"
	"github.com/merlt/merlt-backend/internal/platform/pinecone"
	"github.com/merlt/merlt-backend/internal/platform/redisclient"
)

func main() {
	// Logger
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "merlt-backend",
		Environment: envutil.String("ENVIRONMENT", "development"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),
	})

	// Postgres (optional: the query path runs without it, the feedback
	// archive and authority profiles need it)
	var feedbackRepo repos.FeedbackEventRepo
	var profileRepo repos.UserProfileRepo
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Warn("Postgres init failed", "error", err)
	} else {
		if err = postgresService.AutoMigrateAll(); err != nil {
			log.Warn("Postgres auto migration failed", "error", err)
		}
		thePG := postgresService.DB()
		if feedbackRepo, err = repos.NewFeedbackEventRepo(thePG, log); err != nil {
			log.Warn("Feedback repo init failed", "error", err)
		}
		if profileRepo, err = repos.NewUserProfileRepo(thePG, log); err != nil {
			log.Warn("User profile repo init failed", "error", err)
		}
	}

	// Redis
	redisClient, err := redisclient.NewFromEnv(log)
	if err != nil {
		log.Error("Could not init Redis client", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Neo4j (optional: graph traversal degrades to semantic search only)
	neo4jClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Warn("Could not init Neo4j client", "error", err)
	}
	if neo4jClient != nil {
		defer neo4jClient.Close(ctx)
	}

	// LLM + vector store
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init LLM client", "error", err)
		os.Exit(1)
	}
	vectorStore, err := pinecone.NewVectorStore(log)
	if err != nil {
		log.Warn("Could not init vector store", "error", err)
	}

	// Expert profiles
	profiles := experts.DefaultProfiles()
	if path := envutil.String("EXPERT_PROFILES_PATH", ""); path != "" {
		profiles, err = experts.LoadProfiles(path)
		if err != nil {
			log.Error("Could not load expert profiles", "path", path, "error", err)
			os.Exit(1)
		}
	}

	// Adaptive weights
	gate, err := gating.NewNetwork(envutil.Int("GATING_EMBED_DIM", 1536), log)
	if err != nil {
		log.Error("Could not init gating network", "error", err)
		os.Exit(1)
	}
	traversal, err := gating.NewTraversalStore(experts.TraversalPriors(profiles), log)
	if err != nil {
		log.Error("Could not init traversal store", "error", err)
		os.Exit(1)
	}

	// Retrieval services + expert harness
	var search experts.Searcher
	if svc, err := experts.NewSearchService(aiClient, vectorStore, log); err != nil {
		log.Warn("Could not init semantic search", "error", err)
	} else {
		search = svc
	}
	var graph experts.Traverser
	if svc, err := experts.NewGraphService(neo4jClient, log); err != nil {
		log.Warn("Could not init graph traversal", "error", err)
	} else {
		graph = svc
	}
	harness, err := experts.NewHarness(experts.Deps{
		AI:        aiClient,
		Search:    search,
		Graph:     graph,
		Traversal: traversal,
		Log:       log,
	})
	if err != nil {
		log.Error("Could not init expert harness", "error", err)
		os.Exit(1)
	}
	bound := experts.Bind(harness, profiles)

	// Orchestration
	planRouter, err := orchestrator.NewRouter(aiClient, log)
	if err != nil {
		log.Error("Could not init plan router", "error", err)
		os.Exit(1)
	}
	synth, err := orchestrator.NewSynthesizer(aiClient, log)
	if err != nil {
		log.Error("Could not init synthesizer", "error", err)
		os.Exit(1)
	}
	analyzers := make(map[domain.ExpertID]orchestrator.Analyzer, len(bound))
	for id, ex := range bound {
		analyzers[id] = ex
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Router:  planRouter,
		Experts: analyzers,
		Gate:    gate,
		Synth:   synth,
		Embed:   aiClient,
		Log:     log,
	})
	if err != nil {
		log.Error("Could not init orchestrator", "error", err)
		os.Exit(1)
	}

	// Feedback pipeline (needs the profile store; without it the query path
	// still serves and the feedback routes stay unregistered)
	var feedbackHandler *httpH.FeedbackHandler
	if profileRepo != nil {
		scorer, err := feedback.NewScorer(profileRepo, redisClient, log)
		if err != nil {
			log.Error("Could not init authority scorer", "error", err)
			os.Exit(1)
		}
		var archive feedback.Archive
		if feedbackRepo != nil {
			archive = feedbackRepo
		}
		processor, err := feedback.NewProcessor(feedback.Deps{
			Scorer:    scorer,
			Gate:      gate,
			Traversal: traversal,
			Idem:      redisClient,
			Rollout:   redisClient,
			Archive:   archive,
			Log:       log,
		})
		if err != nil {
			log.Error("Could not init feedback processor", "error", err)
			os.Exit(1)
		}
		feedbackHandler = httpH.NewFeedbackHandler(processor, feedbackRepo, log)
	} else {
		log.Warn("Feedback pipeline disabled: no profile store")
	}

	// Handlers + router
	server := httpSrv.NewServer(httpSrv.RouterConfig{
		QueryHandler:    httpH.NewQueryHandler(orch, log),
		FeedbackHandler: feedbackHandler,
		WeightsHandler:  httpH.NewWeightsHandler(gate, traversal),
		HealthHandler:   httpH.NewHealthHandler(),
		Log:             log,
	})

	port := envutil.String("PORT", "8080")
	log.Info("Server listening", "port", port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(":" + port)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		log.Error("Server failed", "error", err)
	case sig := <-stop:
		log.Info("Shutting down", "signal", sig.String())
	}

	if otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("Otel shutdown failed", "error", err)
		}
	}
}
