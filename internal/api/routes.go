package api

import (
	"net/http"

	"github.com/ignite/mailhub/internal/auth"
	"github.com/ignite/mailhub/internal/pkg/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes. The webhook, health, auth and
// public config endpoints are open; everything else under /api requires a
// valid token, and the admin group additionally requires the admin flag.
func SetupRoutes(h *Handlers, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS - allow credentials for the auth cookie
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		// Public surface
		r.Get("/health", h.HealthCheck)
		r.Get("/config", h.PublicConfig)
		r.Post("/auth/login", h.Login)
		r.Post("/auth/register", h.Register)
		r.Post("/auth/logout", h.Logout)

		// Graph change notifications; Microsoft calls this without a token.
		r.Post("/graph/webhook", h.GraphWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.RequireAuth)

			r.Get("/auth/user", h.CurrentUser)
			r.Post("/auth/change-password", h.ChangePassword)

			r.Get("/ws", h.LiveSocket)

			r.Route("/emails", func(r chi.Router) {
				r.Get("/", h.ListMailboxes)
				r.Post("/", h.AddMailbox)
				r.Post("/batch_delete", h.BatchDeleteMailboxes)
				r.Post("/batch_check", h.BatchCheck)
				r.Post("/batch_check_unchecked", h.BatchCheckUnchecked)
				r.Post("/batch_add_platform", h.BatchAddPlatform)
				r.Get("/export", h.ExportMailboxes)
				r.Post("/import", h.ImportMailboxes)
				r.Post("/get_code", h.GetCode)

				r.Route("/{emailID}", func(r chi.Router) {
					r.Put("/", h.UpdateMailbox)
					r.Delete("/", h.DeleteMailbox)
					r.Get("/password", h.MailboxPassword)
					r.Post("/check", h.CheckMailbox)
					r.Post("/stop_check", h.StopCheck)
					r.Get("/check_status", h.CheckStatus)
					r.Post("/realtime", h.SetRealtime)
					r.Get("/mail_records", h.ListMailRecords)
					r.Delete("/mail_records", h.ClearMailRecords)
					r.Get("/platforms", h.MailboxPlatforms)
					r.Post("/platforms", h.TagPlatform)
					r.Delete("/platforms/{name}", h.UntagPlatform)
					r.Post("/correct_platform", h.CorrectPlatform)
				})
			})

			r.Get("/mail_records/latest", h.LatestMailRecords)
			r.Get("/mail_records/{mailID}", h.GetMailRecord)
			r.Get("/mail_records/{mailID}/attachments", h.ListAttachments)
			r.Get("/attachments/{attachmentID}/download", h.DownloadAttachment)
			r.Post("/search", h.SearchMailRecords)

			r.Get("/platforms", h.ListPlatforms)
			r.Get("/platforms/{name}/registered", h.PlatformRegistered)
			r.Get("/platforms/{name}/unregistered", h.PlatformUnregistered)
			r.Get("/platforms/{name}/unregistered/all", h.PlatformUnregisteredAll)
			r.Post("/platforms/rename", h.RenamePlatform)
			r.Post("/platforms/scan_emails", h.ScanPlatforms)

			r.Get("/platform_rules", h.ListPlatformRules)
			r.Post("/platform_rules", h.AddPlatformRule)
			r.Put("/platform_rules/{ruleID}", h.UpdatePlatformRule)
			r.Delete("/platform_rules/{ruleID}", h.DeletePlatformRule)

			r.Get("/platform_corrections", h.ListPlatformCorrections)
			r.Delete("/platform_corrections/{correctionID}", h.DeletePlatformCorrection)

			r.Get("/config/graph_api", h.GraphStatus)

			// Admin-only surface
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)

				r.Get("/users", h.ListUsers)
				r.Post("/users", h.AddUser)
				r.Delete("/users/{userID}", h.DeleteUser)
				r.Post("/users/{userID}/reset-password", h.ResetUserPassword)

				r.Post("/admin/config/registration", h.SetRegistration)

				r.Get("/graph/config", h.GraphConfig)
				r.Post("/graph/config", h.SetGraphConfig)
				r.Get("/graph/subscriptions", h.ListSubscriptions)
				r.Post("/graph/subscriptions/create_all", h.CreateAllSubscriptions)
				r.Post("/graph/subscriptions/{emailID}", h.CreateSubscription)
				r.Delete("/graph/subscriptions/{emailID}", h.DeleteSubscription)
				r.Get("/subscriptions/missing", h.MissingSubscriptions)
			})
		})
	})

	return r
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}
