package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"ont-acs/internal/config"
	"ont-acs/internal/cwmp"
	"ont-acs/internal/database"
	"ont-acs/internal/handlers"
	"ont-acs/internal/middleware"
	"ont-acs/internal/mikrotik"
	"ont-acs/internal/models"
	"ont-acs/internal/notification/fcm"
	"ont-acs/internal/scheduler"
	"ont-acs/internal/websocket"
)

func main() {
	fmt.Println("========================================")
	fmt.Println("  ONT ACS - TR-069 Management Server")
	fmt.Println("========================================")

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	db, err := database.InitDB(cfg.DatabaseURL, cfg.OfflineThreshold)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	if err := db.EnsureDefaultAdmin(cfg.AdminUser, cfg.AdminPass); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure admin user")
	}

	hub := websocket.NewHub(logger)
	go hub.Run()

	fcmClient := fcm.New(cfg, logger)
	mt := mikrotik.New(cfg)
	if mt.Enabled() {
		if err := mt.TestConnection(); err != nil {
			logger.Warn().Err(err).Str("host", cfg.MikrotikHost).Msg("mikrotik router unreachable, PPP features degraded")
		} else {
			logger.Info().Str("host", cfg.MikrotikHost).Msg("mikrotik router connected")
		}
	}

	sessions := cwmp.NewSessionStore()
	planner := cwmp.NewPlanner(db, sessions, logger)
	planner.SetNotifier(&eventNotifier{db: db, hub: hub, fcm: fcmClient})
	acs := cwmp.NewServer(planner, logger, cfg.TR069User, cfg.TR069Pass)

	h := handlers.NewHandler(db, hub, mt, fcmClient, cfg, logger)
	scheduler.New(cfg, db, sessions, fcmClient, hub, logger).Start()

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      setupRouter(h, hub, cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	acsServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.TR069Port),
		Handler:     acs,
		ReadTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.TR069Port).Msg("TR-069 ACS endpoint listening")
		if err := acsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("ACS server failed")
		}
	}()
	go func() {
		logger.Info().Int("port", cfg.ServerPort).Msg("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := acsServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("ACS server shutdown error")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// eventNotifier fans planner events out to the dashboard websocket and,
// for failed tasks, to the operator's phone.
type eventNotifier struct {
	db  *database.DB
	hub *websocket.Hub
	fcm *fcm.Client
}

func (n *eventNotifier) DeviceSeen(device *models.Device) {
	n.hub.Broadcast(websocket.Message{Type: "device_update", DeviceID: device.ID, Data: device})
}

func (n *eventNotifier) TaskUpdated(taskID int64, status models.TaskStatus, message string) {
	n.hub.Broadcast(websocket.Message{Type: "task_update", Data: map[string]interface{}{
		"taskId":  taskID,
		"status":  status,
		"message": message,
	}})
	if status != models.TaskFailed {
		return
	}
	task, err := n.db.GetTask(taskID)
	if err != nil || task == nil {
		return
	}
	device, err := n.db.GetDevice(task.DeviceID)
	if err != nil || device == nil {
		return
	}
	n.fcm.NotifyTaskFailed(device.SerialNumber, task.Type, message)
}

func setupRouter(h *handlers.Handler, hub *websocket.Hub, cfg *config.Config) http.Handler {
	r := mux.NewRouter()

	// Public routes
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/api/auth/login", h.Login).Methods("POST")
	r.HandleFunc("/ws", hub.HandleWS)

	// Authenticated API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/logout", h.Logout).Methods("POST")
	api.HandleFunc("/dashboard/stats", h.GetDashboardStats).Methods("GET")

	api.HandleFunc("/devices", h.GetDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", h.GetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}", h.UpdateDevice).Methods("PUT")
	api.HandleFunc("/devices/{id}", h.DeleteDevice).Methods("DELETE")
	api.HandleFunc("/devices/{id}/probe", h.ProbeDevice).Methods("POST")
	api.HandleFunc("/devices/{id}/parameters", h.GetDeviceParameters).Methods("GET")
	api.HandleFunc("/devices/{id}/parameters/query", h.QueryDeviceParameters).Methods("POST")
	api.HandleFunc("/devices/{id}/clients", h.GetDeviceClients).Methods("GET")
	api.HandleFunc("/devices/{id}/reboot", h.RebootDevice).Methods("POST")
	api.HandleFunc("/devices/{id}/wifi", h.UpdateWiFi).Methods("POST")
	api.HandleFunc("/devices/{id}/wan", h.UpdateWAN).Methods("POST")
	api.HandleFunc("/devices/{id}/refresh", h.RefreshDevice).Methods("POST")
	api.HandleFunc("/devices/{id}/tasks", h.GetDeviceTasks).Methods("GET")

	api.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/cancel", h.CancelTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/retry", h.RetryTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", h.DeleteTask).Methods("DELETE")

	api.HandleFunc("/logs", h.GetLogs).Methods("GET")

	api.HandleFunc("/mikrotik/status", h.GetRouterStatus).Methods("GET")
	api.HandleFunc("/mikrotik/ppp", h.GetPPPSessions).Methods("GET")
	api.HandleFunc("/mikrotik/ppp/{username}/disconnect", h.DisconnectPPPSession).Methods("POST")

	var handler http.Handler = r
	if cfg.AuthEnabled {
		handler = middleware.AuthMiddleware(cfg.JWTSecret)(handler)
	}

	allowedOrigins := []string{"http://localhost:3000", "http://localhost:8080"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = append(allowedOrigins, origins)
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(handler)
}
