package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/ssh"

	"github.com/jfreed-dev/reach/internal/config"
	"github.com/jfreed-dev/reach/internal/events"
	"github.com/jfreed-dev/reach/internal/handlers"
	"github.com/jfreed-dev/reach/internal/health"
	"github.com/jfreed-dev/reach/internal/history"
	"github.com/jfreed-dev/reach/internal/logging"
	"github.com/jfreed-dev/reach/internal/middleware"
	"github.com/jfreed-dev/reach/internal/pool"
	"github.com/jfreed-dev/reach/internal/registry"
	"github.com/jfreed-dev/reach/internal/sshgateway"
	"github.com/jfreed-dev/reach/internal/sshkeys"
	"github.com/jfreed-dev/reach/internal/version"
)

func main() {
	settings, err := config.LoadServer()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	logging.Init(settings.LogPath())
	log.Printf("[server] reach server %s starting (data dir %s)", version.Version, settings.DataPath)

	if err := history.Init(settings.HistoryDBPath()); err != nil {
		log.Fatalf("History init: %v", err)
	}
	defer history.Close()

	store := events.NewStore()
	reg := registry.New(store)
	conns := pool.New(reg, time.Duration(settings.RPCTimeout)*time.Second)
	reg.SetEvictor(conns)

	monitor := health.NewMonitor(reg, conns, health.Options{
		Interval:  time.Duration(settings.HeartbeatInterval) * time.Second,
		Grace:     time.Duration(settings.GracePeriod) * time.Second,
		Threshold: settings.FailureThreshold,
	})
	reg.SetHealthResetter(monitor)

	hostKey, err := sshkeys.EnsureHostKey(settings.DataPath)
	if err != nil {
		log.Fatalf("Host key init: %v", err)
	}
	log.Printf("[server] host key %s", ssh.FingerprintSHA256(hostKey.PublicKey()))

	authorized, err := sshkeys.LoadAuthorizedKeys(settings.AuthorizedKeysPath())
	if err != nil {
		log.Fatalf("Authorized keys: %v", err)
	}
	if authorized == nil {
		log.Printf("[server] no authorized_keys file; accepting any agent key")
	} else {
		log.Printf("[server] trusting %d agent key(s)", len(authorized))
	}

	gateway, err := sshgateway.New(sshgateway.Config{
		Addr:           settings.SSHAddr(),
		HostKey:        hostKey,
		AuthorizedKeys: authorized,
		Registrar:      reg,
	})
	if err != nil {
		log.Fatalf("SSH gateway init: %v", err)
	}

	handlers.Reg = reg
	handlers.Conns = conns
	handlers.Events = store
	handlers.APIKey = settings.APIKey

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Public surface: health and the registration hook.
	r.Get("/health", handlers.HealthCheck)
	r.Post("/internal/register", handlers.InternalRegister)

	// Legacy listing route. etphonehome served it unauthenticated; it now
	// sits behind the same bearer gate as the v1 API.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(settings.APIKey))
		r.Get("/clients", handlers.ListClientsLegacy)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// The WS handler validates the token itself so browsers get a
		// close code instead of a failed upgrade.
		r.Get("/ws", handlers.WebSocketStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(settings.APIKey))

			r.Get("/dashboard", handlers.Dashboard)
			r.Get("/clients", handlers.ListClients)
			r.Get("/clients/{uuid}", handlers.GetClient)

			// Command execution appends to history; the POST runs the
			// command on the agent and persists the outcome.
			r.Post("/clients/{uuid}/history", handlers.RunCommand)
			r.Get("/clients/{uuid}/history", handlers.ListHistory)
			r.Delete("/clients/{uuid}/history", handlers.ClearHistory)
			r.Get("/clients/{uuid}/history/{command_id}", handlers.GetHistoryRecord)

			// Files
			r.Get("/clients/{uuid}/files", handlers.ListClientFiles)
			r.Get("/clients/{uuid}/files/preview", handlers.PreviewFile)
			r.Get("/clients/{uuid}/files/download", handlers.DownloadFile)
			r.Post("/clients/{uuid}/files/upload", handlers.UploadFile)

			r.Get("/clients/{uuid}/metrics", handlers.GetClientMetrics)
			r.Get("/events", handlers.ListEvents)
			r.Get("/server/logs", handlers.GetServerLogs)
			r.Delete("/server/logs", handlers.ClearServerLogs)
		})
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(sigCtx)

	go func() {
		if err := gateway.ListenAndServe(sigCtx); err != nil {
			log.Fatalf("SSH gateway: %v", err)
		}
	}()

	if settings.HistoryRetentionDays > 0 {
		sched := cron.New()
		if _, err := sched.AddFunc("@daily", func() { purgeHistory(settings.HistoryRetentionDays) }); err != nil {
			log.Fatalf("History purge schedule: %v", err)
		}
		sched.Start()
		defer sched.Stop()
		log.Printf("[history] daily purge enabled (retention %d days)", settings.HistoryRetentionDays)
	}

	srv := &http.Server{
		Addr:    settings.HTTPAddr(),
		Handler: r,
	}
	go func() {
		log.Printf("[server] HTTP API on %s", settings.HTTPAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	monitor.Stop()
	conns.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
