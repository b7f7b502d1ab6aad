package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"assistant-relay/handler"
	"assistant-relay/internal/auth"
	"assistant-relay/internal/config"
	"assistant-relay/internal/integrations/apigw"
	"assistant-relay/internal/integrations/jwks"
	"assistant-relay/internal/integrations/openai"
	"assistant-relay/internal/integrations/paramstore"
	"assistant-relay/internal/relay"
	"assistant-relay/internal/repository"
	"assistant-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	var awsOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		fatal(logger, "failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal(logger, "failed to create SSM client", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.ThreadTable, cfg.HistoryTable)
	if err != nil {
		fatal(logger, "failed to create DynamoDB client", err)
	}
	keys, err := jwks.New(cfg.JWKSURI,
		jwks.WithHTTPClient(&http.Client{Timeout: cfg.JWKSTimeout}),
		jwks.WithRefreshInterval(cfg.JWKSRefreshInterval),
	)
	if err != nil {
		fatal(logger, "failed to create JWKS cache", err)
	}
	verifier, err := auth.NewVerifier(keys, auth.Config{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.TokenLeeway,
	})
	if err != nil {
		fatal(logger, "failed to create verifier", err)
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.OpenAIKeyName, openai.WithBaseURL(cfg.OpenAIBaseURL))
	if err != nil {
		fatal(logger, "failed to create OpenAI client", err)
	}
	connections, err := apigw.NewFromConfig(awsCfg, cfg.APIGatewayEndpoint)
	if err != nil {
		fatal(logger, "failed to create connection client", err)
	}

	// ---- Handler ----
	rel, err := relay.New(connections, relay.WithQueueSize(cfg.RelayQueueSize))
	if err != nil {
		fatal(logger, "failed to create relay", err)
	}
	directory, err := usecase.NewDirectory(store, openaiClient, logger)
	if err != nil {
		fatal(logger, "failed to create directory", err)
	}
	sessions, err := usecase.NewSessionService(verifier, directory, openaiClient, rel, store,
		cfg.AssistantID, cfg.MaxPromptLen, logger)
	if err != nil {
		fatal(logger, "failed to create session service", err)
	}

	h, err := handler.NewHandler(sessions, logger)
	if err != nil {
		fatal(logger, "failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
