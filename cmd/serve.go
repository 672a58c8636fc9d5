package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/campaign"
	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/store"
	"github.com/kliq-group/growth-engine/pkg/brevo"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and query server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// The scheduler shares the process so one deployment covers
		// both the API surface and the campaign cadence.
		go func() {
			if err := env.Scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("campaign scheduler exited", zap.Error(err))
			}
		}()

		router := newRouter(env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhooks/claim", handleClaim(env))
	r.Post("/webhooks/email", handleEmailEvent(env))

	r.Get("/prospects/{id}", handleGetProspect(env))
	r.Get("/prospects", handleListProspects(env))
	r.Get("/campaigns/{id}", handleGetCampaign(env))
	r.Post("/campaigns/{id}/abandon", handleAbandonCampaign(env))

	r.Post("/pipeline/run", handlePipelineRun(env))

	return r
}

// handleClaim validates the claim token and applies the sticky claim.
// Replays and races resolve idempotently: a duplicate payload or an
// already-claimed store answers 200 with claimed=false rather than an
// error, so the storefront can retry webhook delivery safely.
func handleClaim(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		var req struct {
			StoreRef   string `json:"store_ref"`
			ClaimToken string `json:"claim_token"`
			ClaimedAt  string `json:"claimed_at"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.StoreRef == "" {
			writeError(w, http.StatusBadRequest, "store_ref is required")
			return
		}

		p, err := env.Store.GetProspectByStoreRef(r.Context(), req.StoreRef)
		if err != nil {
			zap.L().Error("claim webhook lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "unknown store ref")
			return
		}
		if p.ClaimToken == "" || req.ClaimToken != p.ClaimToken {
			writeError(w, http.StatusForbidden, "invalid claim token")
			return
		}

		at := time.Now().UTC()
		if req.ClaimedAt != "" {
			if parsed, perr := time.Parse(time.RFC3339, req.ClaimedAt); perr == nil {
				at = parsed.UTC()
			}
		}

		claimed, err := env.Machine.Claim(r.Context(), req.StoreRef, payloadHash(raw), at)
		if err != nil {
			zap.L().Error("claim webhook failed", zap.String("store_ref", req.StoreRef), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "claim failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"claimed": claimed})
	}
}

// handleEmailEvent records delivery signals. Unattributable events are
// acknowledged and dropped; bouncing them would only make the sender
// retry a payload that will never parse better.
func handleEmailEvent(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		ev, err := brevo.ParseWebhookEvent(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}

		campaignID, step, ok := campaign.ParseSendTag(ev.Tag)
		if !ok {
			zap.L().Warn("email event without send tag", zap.String("event", ev.Event))
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		evType, ok := mapDeliveryEvent(ev.Event)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		at := ev.OccurredAt()
		if at.IsZero() {
			at = time.Now().UTC()
		}

		if err := env.Machine.RecordDelivery(r.Context(), campaignID, step, evType, payloadHash(raw), at); err != nil {
			zap.L().Error("email event not recorded", zap.String("campaign_id", campaignID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "record failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

func handleGetProspect(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := env.Store.GetProspect(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			zap.L().Error("prospect lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if p == nil {
			writeError(w, http.StatusNotFound, "prospect not found")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleListProspects(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.ProspectFilter{
			Status: model.ProspectStatus(r.URL.Query().Get("status")),
			Limit:  100,
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = n
			}
		}
		prospects, err := env.Store.ListProspects(r.Context(), filter)
		if err != nil {
			zap.L().Error("prospect list failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, prospects)
	}
}

func handleGetCampaign(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := env.Store.GetCampaign(r.Context(), id)
		if err != nil || c == nil {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		evs, err := env.Store.ListEvents(r.Context(), id)
		if err != nil {
			zap.L().Error("event list failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"campaign": c, "events": evs})
	}
}

// handleAbandonCampaign cancels an active campaign. The response says
// whether this request ended it; an already-terminal campaign answers
// ended=false.
func handleAbandonCampaign(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ended, err := env.Machine.Abandon(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ended": ended})
	}
}

// handlePipelineRun triggers a prospect's pipeline asynchronously and
// answers 202, matching how external tools poke the engine.
func handlePipelineRun(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProspectID string `json:"prospect_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProspectID == "" {
			writeError(w, http.StatusBadRequest, "prospect_id is required")
			return
		}

		go func() {
			if err := env.Orchestrator.RunProspect(context.Background(), req.ProspectID); err != nil {
				zap.L().Error("pipeline run failed",
					zap.String("prospect_id", req.ProspectID),
					zap.Error(err),
				)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":      "accepted",
			"prospect_id": req.ProspectID,
		})
	}
}

func mapDeliveryEvent(event string) (model.DeliveryEventType, bool) {
	switch event {
	case "delivered":
		return model.EventDelivered, true
	case "opened", "unique_opened":
		return model.EventOpened, true
	case "click":
		return model.EventClicked, true
	case "hard_bounce":
		return model.EventHardBounce, true
	case "soft_bounce":
		return model.EventSoftBounce, true
	case "unsubscribed":
		return model.EventUnsubscribed, true
	}
	return "", false
}

func payloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
