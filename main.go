package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/archive"
	"github.com/mailvault/mailvault/internal/auth"
	"github.com/mailvault/mailvault/internal/backup"
	"github.com/mailvault/mailvault/internal/config"
	"github.com/mailvault/mailvault/internal/events"
	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/provider"
	"github.com/mailvault/mailvault/internal/provider/gmail"
	"github.com/mailvault/mailvault/internal/provider/graph"
	"github.com/mailvault/mailvault/internal/retention"
	"github.com/mailvault/mailvault/internal/scheduler"
	"github.com/mailvault/mailvault/internal/store"
)

type StartBackupRequest struct {
	Mailbox            string    `json:"mailbox" binding:"required"`
	Kind               string    `json:"kind"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	IncludeFolders     []string  `json:"include_folders"`
	ExcludeFolders     []string  `json:"exclude_folders"`
	IncludeAttachments bool      `json:"include_attachments"`
	MaxEmailSizeMB     int       `json:"max_email_size_mb"`
}

type ScheduleConfigRequest struct {
	ID                 string `json:"id"`
	Mailbox            string `json:"mailbox" binding:"required"`
	CronExpr           string `json:"cron_expr" binding:"required"`
	Active             *bool  `json:"active"`
	Kind               string `json:"kind"`
	RetentionDays      int    `json:"retention_days"`
	IncludeAttachments bool   `json:"include_attachments"`
	MaxEmailSizeMB     int    `json:"max_email_size_mb"`
	ZipEnabled         bool   `json:"zip_enabled"`
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to open metadata store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var adapter provider.Mailbox
	switch cfg.Provider {
	case "google":
		adapter, err = gmail.New(ctx, &auth.Token{
			AccessToken:  cfg.Google.AccessToken,
			RefreshToken: cfg.Google.RefreshToken,
		})
		if err != nil {
			log.WithError(err).Fatal("failed to create Gmail client")
		}
	default:
		tokenSource, err := auth.NewGraphTokenSource(ctx, cfg.Graph.TenantID, cfg.Graph.ClientID, cfg.Graph.ClientSecret)
		if err != nil {
			log.WithError(err).Fatal("failed to build Graph token source")
		}
		adapter, err = graph.New(tokenSource)
		if err != nil {
			log.WithError(err).Fatal("failed to create Graph client")
		}
	}
	mailbox := provider.NewGuarded(adapter, cfg.Backup.ProviderRate, cfg.Backup.ProviderBurst)

	objects := objstore.NewS3Store(objstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		BasePath:  cfg.Storage.BasePath,
	})

	eventsEnabled := cfg.NATS.URL != ""
	backups := backup.NewService(st, mailbox, objects, eventsEnabled)
	archiver := archive.New(st, objects, cfg.Backup.TempDir)
	enforcer := retention.New(st, objects)

	if eventsEnabled {
		publisher, err := events.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(); err != nil {
			log.WithError(err).Fatal("failed to ensure event stream")
		}
		go events.NewDispatcher(st, publisher).Run(ctx)
	}

	sched := scheduler.New(st, backups, archiver, enforcer,
		time.Duration(cfg.Backup.WaitTimeoutMins)*time.Minute)
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}

	r := gin.Default()

	r.POST("/api/backup/start", func(c *gin.Context) {
		var req StartBackupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		maxSize := req.MaxEmailSizeMB
		if maxSize <= 0 {
			maxSize = cfg.Backup.DefaultMaxSize
		}

		jobID, err := backups.StartBackup(c.Request.Context(), backup.Options{
			Mailbox:            req.Mailbox,
			Kind:               store.JobKind(req.Kind),
			StartDate:          req.StartDate,
			EndDate:            req.EndDate,
			IncludeFolders:     req.IncludeFolders,
			ExcludeFolders:     req.ExcludeFolders,
			IncludeAttachments: req.IncludeAttachments,
			MaxEmailSizeMB:     maxSize,
		})
		if err != nil {
			if errors.Is(err, backup.ErrJobActive) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
	})

	r.GET("/api/backup/progress/:jobId", func(c *gin.Context) {
		jobID := c.Param("jobId")

		if p := backups.Progress(jobID); p != nil {
			c.JSON(http.StatusOK, p)
			return
		}

		// Jobs from previous process lifetimes only exist as rows.
		job, err := st.GetJob(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
			return
		}
		c.JSON(http.StatusOK, job)
	})

	r.GET("/api/backup/jobs", func(c *gin.Context) {
		jobs, err := st.ListJobs(c.Request.Context(), c.Query("mailbox"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "active": backups.ActiveJobs()})
	})

	r.POST("/api/backup/cancel/:jobId", func(c *gin.Context) {
		if err := backups.Cancel(c.Param("jobId")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
	})

	r.GET("/api/scheduler/config", func(c *gin.Context) {
		configs, err := st.ListScheduleConfigs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"configs": configs})
	})

	r.POST("/api/scheduler/config", func(c *gin.Context) {
		var req ScheduleConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		kind := store.KindIncremental
		if req.Kind != "" {
			kind = store.JobKind(req.Kind)
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		maxSize := req.MaxEmailSizeMB
		if maxSize <= 0 {
			maxSize = cfg.Backup.DefaultMaxSize
		}

		scheduleCfg := store.ScheduleConfig{
			ID:                 req.ID,
			Mailbox:            req.Mailbox,
			CronExpr:           req.CronExpr,
			Active:             active,
			Kind:               kind,
			RetentionDays:      req.RetentionDays,
			IncludeAttachments: req.IncludeAttachments,
			MaxEmailSizeMB:     maxSize,
			ZipEnabled:         req.ZipEnabled,
		}
		if err := sched.Upsert(c.Request.Context(), scheduleCfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, scheduleCfg)
	})

	r.DELETE("/api/scheduler/config/:id", func(c *gin.Context) {
		if err := sched.Remove(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "removed"})
	})

	r.GET("/api/scheduler/status", func(c *gin.Context) {
		statuses, err := sched.Statuses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"schedules": statuses})
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	sched.Stop()
	backups.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
}
