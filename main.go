package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"droidtour/internal/api"
	"droidtour/internal/auth"
	"droidtour/internal/chat"
	"droidtour/internal/commands"
	"droidtour/internal/config"
	"droidtour/internal/conversations"
	"droidtour/internal/filestore"
	"droidtour/internal/http"
	"droidtour/internal/models"
	"droidtour/internal/notify"
	"droidtour/internal/rtdb"
	"droidtour/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("droidtour", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "User id to issue a bearer token for (prints the token)")
	role := flags.String("role", string(models.RoleClient), "Role of the -issue-token user: CLIENT, COMPANY, GUIDE or SUPERADMIN")
	name := flags.String("name", "", "Display name of the -issue-token user")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(os.Stdout, auth.TokenRequest{
			UserID:      *issueToken,
			DisplayName: *name,
			Role:        models.Role(*role),
		}, cfg)
	}

	db, err := rtdb.Open(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		TokenExpiry:       cfg.TokenExpiry,
		AdminPasswordHash: cfg.AdminPasswordHash,
	})
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}
	attachments := filestore.NewAttachments(db, files, cfg.BaseURL, cfg.MaxUploadBytes)

	var (
		notifier chat.Notifier
		push     *notify.WebPush
	)
	if cfg.PushEnabled() {
		push, err = notify.New(notify.Config{
			DB:              db,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		})
		if err != nil {
			return err
		}
		notifier = push
	} else {
		log.Println("Web push disabled: VAPID keys are not set")
	}

	convs := conversations.New(db)
	hub := ws.NewHub()

	chatServer := ws.NewServer(ctx, authService, ws.Config{
		DB:                   db,
		Hub:                  hub,
		Conversations:        convs,
		Notifier:             notifier,
		MessageLimit:         cfg.MessagePageLimit,
		AtomicUnreadCounters: cfg.AtomicUnreadCounters,
		HeartbeatInterval:    cfg.HeartbeatInterval,
	})

	handlers := api.New(api.Config{
		DB:   db,
		Auth: authService,
		Chat: chat.New(chat.Config{
			DB:                   db,
			Notifier:             notifier,
			DefaultLimit:         cfg.MessagePageLimit,
			AtomicUnreadCounters: cfg.AtomicUnreadCounters,
		}),
		Conversations: convs,
		Attachments:   attachments,
		Push:          push,
		MessageLimit:  cfg.MessagePageLimit,
		MaxUpload:     cfg.MaxUploadBytes,
	})

	adminServer := http.NewAdminServer(authService, hub, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, handlers, chatServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
