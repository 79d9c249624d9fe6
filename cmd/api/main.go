package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ExamShieldAPI/internal/config"
	"ExamShieldAPI/internal/database"
	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/evidence"
	"ExamShieldAPI/internal/handler"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/metrics"
	"ExamShieldAPI/internal/mqtt"
	"ExamShieldAPI/internal/notify"
	"ExamShieldAPI/internal/repository"
	"ExamShieldAPI/internal/server"
	"ExamShieldAPI/internal/service"
	"ExamShieldAPI/internal/session"
	"ExamShieldAPI/internal/vision"
	"ExamShieldAPI/internal/websocket"
)

func main() {
	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		// Fallback logger since main logger isn't ready
		panic("Failed to load configuration: " + err.Error())
	}

	// 2. Initialize Logger
	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Mode:        cfg.Logging.Mode,
		LogFilePath: cfg.Logging.FilePath,
		UseColors:   cfg.Logging.UseColors,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer log.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Configuration validation failed: %v", err)
	}

	cfg.Print()
	log.Info("Starting ExamShield API Server")

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	m := metrics.New()

	// 3. Dashboard push channel
	hub := websocket.NewHub(log.WithComponent("ws"))
	hub.OnClientCount = func(n int) { m.WSClients.Set(float64(n)) }

	// 4. Detection backend and analyzer
	visionClient := vision.NewClient(vision.Config{
		BaseURL:         cfg.Vision.BaseURL,
		Timeout:         cfg.Vision.Timeout,
		Source:          cfg.Vision.Source,
		CameraIndex:     cfg.Vision.CameraIndex,
		BreakerFailures: uint32(cfg.Vision.BreakerFailures),
		BreakerCooldown: cfg.Vision.BreakerCooldown,
	}, log.WithComponent("vision"))

	analyzer := vision.NewAnalyzer(vision.AnalyzerConfig{
		APIKey:  cfg.Analyzer.APIKey,
		Model:   cfg.Analyzer.Model,
		BaseURL: cfg.Analyzer.BaseURL,
		Timeout: cfg.Analyzer.Timeout,
	})
	if !analyzer.Enabled() {
		log.Warn("ANALYZER_API_KEY not set, /analyze falls back to the detection backend")
	}

	// 5. Pipeline collaborators
	store, err := evidence.NewFileStore(cfg.Pipeline.EvidenceDir)
	if err != nil {
		log.Fatal("Failed to prepare evidence store: %v", err)
	}

	var sender notify.Sender
	if cfg.Notification.BrevoAPIKey != "" {
		sender = notify.NewBrevoSender(notify.BrevoConfig{
			APIKey:      cfg.Notification.BrevoAPIKey,
			BaseURL:     cfg.Notification.BrevoBaseURL,
			SenderEmail: cfg.Notification.SenderEmail,
			SenderName:  cfg.Notification.SenderName,
			Timeout:     cfg.Notification.Timeout,
		})
		log.Info("Reports are delivered by email")
	} else {
		sender = notify.NewLocalSender(hub)
		log.Warn("BREVO_API_KEY not set, reports are delivered to connected dashboards only")
	}

	var pdf *notify.PDFRenderer
	if cfg.Notification.AttachPDF {
		pdf = notify.NewPDFRenderer()
	}

	normalizer := detection.NewNormalizer(
		cfg.Pipeline.Tables,
		cfg.Pipeline.ConfidenceFloor,
		cfg.Pipeline.ExcludedKinds,
		log.WithComponent("normalizer"),
	)

	deps := service.MonitorDeps{
		Session: session.Deps{
			Normalizer: normalizer,
			Store:      store,
			Sender:     sender,
			Builder:    notify.NewReportBuilder(pdf),
		},
		Vision:   visionClient,
		Analyzer: analyzer,
		Hub:      hub,
		Metrics:  m,
	}

	// 6. Optional session history
	var dbChecker handler.DatabaseChecker
	if cfg.Database.Enabled {
		db, err := database.New(&cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.Health(rootCtx); err != nil {
			log.Fatal("Database health check failed: %v", err)
		}
		if err := db.Migrate(rootCtx); err != nil {
			log.Fatal("Database migration failed: %v", err)
		}
		log.Info("Database connected successfully")

		deps.History = &service.History{
			Sessions:      repository.NewSessionRepository(db.DB),
			Incidents:     repository.NewIncidentRepository(db.DB),
			Notifications: repository.NewNotificationRepository(db.DB),
		}
		dbChecker = db
	}

	// 7. Optional MQTT
	var mqttClient *mqtt.Client
	var brokerChecker handler.BrokerChecker
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(mqtt.ClientConfig{
			MQTT:   &cfg.MQTT,
			Logger: log.WithComponent("mqtt"),
		})
		if err != nil {
			log.Fatal("Failed to create MQTT client: %v", err)
		}
		defer func(mqttClient *mqtt.Client) {
			err := mqttClient.Disconnect()
			if err != nil {
				log.Error("Failed to disconnect MQTT: %v", err)
			}
		}(mqttClient)

		if err := mqttClient.Connect(); err != nil {
			log.Fatal("Failed to connect to MQTT broker: %v", err)
		}

		deps.Publisher = mqtt.NewPublisher(mqttClient, cfg.MQTT.TopicPrefix, log.WithComponent("mqtt"))
		brokerChecker = mqttClient
	}

	// 8. Initialize Services
	monitorService := service.NewMonitorService(service.MonitorConfig{
		Session: session.Config{
			Capacity:       cfg.Pipeline.FeedCapacity,
			CooldownWindow: cfg.Pipeline.CooldownWindow,
			Threshold:      cfg.Pipeline.NotifyThreshold,
			AutoNotify:     cfg.Notification.AutoEnabled,
			NotifyTimeout:  cfg.Notification.Timeout,
			Recipient:      cfg.Notification.DefaultRecipient,
		},
		PollInterval: cfg.Pipeline.PollInterval,
	}, deps, log.WithComponent("monitor"))

	hub.Greeting = greeting(monitorService)
	go hub.Run(rootCtx)

	if mqttClient != nil {
		topic := mqtt.FramesTopic(cfg.MQTT.TopicPrefix)
		frames := mqtt.FrameHandler(monitorService.IngestFrame, vision.DecodeImage, 5*time.Second, log.WithComponent("mqtt"))
		if err := mqttClient.Subscribe(topic, frames); err != nil {
			log.Fatal("Failed to subscribe to %s: %v", topic, err)
		}
		log.Info("MQTT subscriptions active")
	}

	// 9. Initialize Handlers
	healthHandler := handler.NewHealthHandler(visionClient, dbChecker, brokerChecker, log)

	// 10. Start HTTP Server
	srv := server.New(cfg, m, log)
	srv.RegisterHandlers(rootCtx, healthHandler,
		handler.NewSessionHandler(monitorService, log),
		handler.NewFeedHandler(monitorService, log),
		handler.NewNotificationHandler(monitorService, log),
		handler.NewAnalysisHandler(monitorService, log),
		handler.NewHistoryHandler(monitorService, log),
	)
	srv.RegisterWebSocket(hub)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Server failed: %v", err)
		}
	}()

	log.Info("API server ready on http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	// 11. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Warn("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error: %v", err)
	}
	if err := monitorService.Shutdown(shutdownCtx); err != nil {
		log.Error("Monitor shutdown error: %v", err)
	}
	stopRoot()

	log.Info("Shutdown complete")
}

// greeting sends a newly connected dashboard the current state.
func greeting(svc *service.MonitorService) func() []websocket.Message {
	return func() []websocket.Message {
		msgs := []websocket.Message{
			{Type: websocket.MessagePolling, Payload: svc.PollStats()},
			{Type: websocket.MessageNotification, Payload: svc.NotificationStatus()},
		}
		if summary, err := svc.Summary(); err == nil {
			msgs = append(msgs, websocket.Message{Type: websocket.MessageSession, Payload: summary})
		}
		if sess, err := svc.Current(); err == nil {
			msgs = append(msgs, websocket.Message{Type: websocket.MessageScore, Payload: sess.Score()})
		}
		return msgs
	}
}
