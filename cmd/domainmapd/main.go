package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	api "github.com/plexhost/domainmap/internal/api/http"
	"github.com/plexhost/domainmap/internal/cache"
	"github.com/plexhost/domainmap/internal/config"
	"github.com/plexhost/domainmap/internal/db"
	"github.com/plexhost/domainmap/internal/events"
	"github.com/plexhost/domainmap/internal/mapping"
	"github.com/plexhost/domainmap/internal/netmapping"
	"github.com/plexhost/domainmap/internal/platform"
	"github.com/plexhost/domainmap/internal/resolver"
	"github.com/plexhost/domainmap/internal/sso"
	"github.com/plexhost/domainmap/internal/verify"
)

func main() {
	cfg := config.FromEnv()
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db open failed")
	}

	// --- Cache ---
	var c cache.Cache
	switch cfg.CacheDriver {
	case "redis":
		rc, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect failed")
		}
		defer rc.Close()
		c = rc
	default:
		c = cache.NewMemory()
	}

	// --- Stores ---
	eventLog := events.NewLog(dbh)
	mappings := mapping.NewSQLStore(dbh, db.Driver(cfg.DBDriver), c, eventLog, log)
	netmappings := netmapping.NewSQLStore(dbh, db.Driver(cfg.DBDriver), c, eventLog, log)
	plat := platform.New(dbh)

	policy := resolver.Policy{Segments: cfg.ResolverSegments, ExpandWWW: cfg.ResolverExpandWWW}
	res := resolver.New(mappings, netmappings, plat, policy, cfg.Mode == config.ModeMultiNetwork, log)

	// --- SSO ---
	sessions := platform.NewSessions(cfg.Secret)
	noncer := sso.NewNoncer(cfg.Secret, cfg.SSONonceLifespan)
	tokens := sso.NewTokenStore(dbh, cfg.Secret)
	ssoSvc := sso.NewService(noncer, tokens, plat, sessions, cfg.SSOTokenTTL, log)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(verify.Middleware)
	r.Use(res.Middleware)

	if cfg.SSOEnabled {
		r.Get(sso.BootstrapPath, ssoSvc.Bootstrap)
		r.Get(sso.LoginPath, ssoSvc.Login)
		r.Post(sso.LoginPath, ssoSvc.Login)
		// Frontends fetch the head snippet per request and inline it into
		// rendered pages on mapped domains.
		r.Get("/sso-head", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(ssoSvc.HeadScript(r)))
		})
	}

	// Admin API
	checker := verify.NewChecker()
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		ar.Use(api.AdminAuth(cfg.AdminUser, cfg.AdminPassHash))

		ar.Get("/sites/{siteID}/aliases", api.ListSiteAliasesHandler(mappings))
		ar.Post("/sites/{siteID}/aliases", api.CreateSiteAliasHandler(mappings))
		ar.Get("/aliases/{id}", api.GetAliasHandler(mappings))
		ar.Patch("/aliases/{id}", api.UpdateAliasHandler(mappings))
		ar.Delete("/aliases/{id}", api.DeleteAliasHandler(mappings))
		ar.Post("/aliases/{id}/primary", api.MakePrimaryHandler(mappings))
		ar.Post("/aliases/{id}/verify", api.VerifyAliasHandler(mappings, checker, cfg.VerifyTargets))
		ar.Post("/aliases/bulk", api.BulkAliasActionHandler(mappings))

		if cfg.Mode == config.ModeMultiNetwork {
			ar.Get("/networks/{networkID}/aliases", api.ListNetworkAliasesHandler(netmappings))
			ar.Post("/networks/{networkID}/aliases", api.CreateNetworkAliasHandler(netmappings))
			ar.Patch("/network-aliases/{id}", api.UpdateNetworkAliasHandler(netmappings))
			ar.Delete("/network-aliases/{id}", api.DeleteNetworkAliasHandler(netmappings))
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("mode", string(cfg.Mode)).
		Str("db", cfg.DBDriver).
		Str("cache", cfg.CacheDriver).
		Msg("listening")
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
