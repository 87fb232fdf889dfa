package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/fatih/color"

	"teams-file-bot/handler"
	"teams-file-bot/internal/auth"
	"teams-file-bot/internal/botframework"
	"teams-file-bot/internal/config"
	"teams-file-bot/internal/directory"
	"teams-file-bot/internal/files"
	"teams-file-bot/internal/integrations/connector"
	"teams-file-bot/internal/integrations/paramstore"
	"teams-file-bot/internal/repository"
	"teams-file-bot/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()
	onLambda := os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("BOT_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg, onLambda)
	slog.SetDefault(logger)

	// ---- AWS (optional) ----
	var persister directory.Persister
	if cfg.AWS.ParamPrefix != "" || cfg.AWS.StateTable != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}

		if cfg.AWS.ParamPrefix != "" && cfg.Bot.AppPassword == "" {
			ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				logger.Error("failed to create SSM client", "err", err)
				os.Exit(1)
			}
			password, err := paramstore.AppPassword(ctx, ssmClient, cfg.AWS.ParamPrefix)
			if err != nil {
				logger.Error("failed to read app password", "prefix", cfg.AWS.ParamPrefix, "err", err)
				os.Exit(1)
			}
			cfg.Bot.AppPassword = password
		}

		if cfg.AWS.StateTable != "" {
			stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.AWS.StateTable)
			if err != nil {
				logger.Error("failed to create state client", "err", err)
				os.Exit(1)
			}
			persister = stateClient
		}
	}
	if !cfg.AuthEnabled() {
		logger.Warn("MicrosoftAppId is not set, inbound authentication is disabled")
	}

	// ---- Storage ----
	store, err := files.New(cfg.Files.Dir, cfg.Files.MaxUploadBytes)
	if err != nil {
		logger.Error("failed to open file store", "dir", cfg.Files.Dir, "err", err)
		os.Exit(1)
	}
	dirOpts := []directory.Option{directory.WithLogger(logger)}
	if persister != nil {
		dirOpts = append(dirOpts, directory.WithPersister(persister))
	}
	dir := directory.New(dirOpts...)
	if n, err := dir.Load(ctx); err != nil {
		logger.Warn("failed to load conversation references", "err", err)
	} else if n > 0 {
		logger.Info("conversation references loaded", "count", n)
	}

	// ---- Bot Framework ----
	creds := connector.Credentials{
		AppID:       cfg.Bot.AppID,
		AppPassword: cfg.Bot.AppPassword,
		TenantID:    cfg.Bot.TenantID,
	}
	conn := connector.New(connector.WithHTTPClient(connector.NewAuthenticatedHTTPClient(ctx, creds, 0)))

	adapterOpts := []botframework.Option{botframework.WithLogger(logger)}
	if cfg.AuthEnabled() {
		verifier, err := auth.NewJWTVerifier(cfg.Bot.AppID, auth.NewJWKS(auth.BotFrameworkMetadataURL))
		if err != nil {
			logger.Error("failed to create token verifier", "err", err)
			os.Exit(1)
		}
		adapterOpts = append(adapterOpts, botframework.WithVerifier(verifier))
	}
	adapter, err := botframework.New(conn, adapterOpts...)
	if err != nil {
		logger.Error("failed to create adapter", "err", err)
		os.Exit(1)
	}

	// ---- Use cases ----
	transfer, err := usecase.NewTransfer(store,
		usecase.WithUploadTimeout(cfg.Files.UploadTimeout),
		usecase.WithDownloadTimeout(cfg.Files.DownloadTimeout),
		usecase.WithTransferLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create transfer", "err", err)
		os.Exit(1)
	}
	broadcaster, err := usecase.NewBroadcaster(dir, adapter,
		usecase.WithConcurrency(cfg.Broadcast.Concurrency),
		usecase.WithMemberPageSize(cfg.Broadcast.MemberPageSize),
		usecase.WithMemberPageTimeout(cfg.Broadcast.MemberPageTimeout),
		usecase.WithBroadcastLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create broadcaster", "err", err)
		os.Exit(1)
	}
	engine, err := usecase.NewEngine(dir, transfer, broadcaster,
		usecase.WithReportFile(cfg.Files.ReportFile),
		usecase.WithTemplateFile(cfg.Files.TemplateFile),
		usecase.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create dialog engine", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(adapter, engine, broadcaster, handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if onLambda {
		lambda.Start(h.Handle)
		return
	}

	printBanner(cfg)
	if err := serve(ctx, cfg.Server.Port, h, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config, onLambda bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if onLambda || cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Println("\n    teams-file-bot")
	green.Print("    ▶ ")
	fmt.Printf("Listening: http://localhost:%d/api/messages\n", cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Files:     %s\n", cfg.Files.Dir)
	if !cfg.AuthEnabled() {
		yellow.Println("    ! emulator mode, no app id configured")
	}
	fmt.Println()
}

// serve runs the HTTP listener until SIGINT or SIGTERM and then drains
// in-flight requests.
func serve(ctx context.Context, port int, h http.Handler, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
