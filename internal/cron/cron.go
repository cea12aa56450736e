package cron

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	cronv3 "github.com/robfig/cron/v3"

	cron_config "github.com/mailriver/mailriver/internal/cron/config"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/tracing"
)

// CONSTANTS
const (
	// GroupPipeline is the group for ingestion pipeline jobs
	GroupPipeline = "pipeline"
)

// LOCK MANAGEMENT
var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupPipeline: new(sync.Mutex),
	},
}

// RetryStateReaper drops retry bookkeeping that has been idle longer
// than the staleness window.
type RetryStateReaper interface {
	ReapStale(olderThan time.Duration) int
}

type CronManager struct {
	log        logger.Logger
	cron       *cronv3.Cron
	stopCh     chan struct{}
	jobIDs     map[string]cronv3.EntryID
	reaper     RetryStateReaper
	staleAfter time.Duration
}

// NewCronManager builds the periodic job scheduler. The reaper is
// optional; when nil the retry-state GC job is not registered.
func NewCronManager(log logger.Logger, reaper RetryStateReaper, staleAfter time.Duration) *CronManager {
	return &CronManager{
		log:        log,
		stopCh:     make(chan struct{}),
		jobIDs:     make(map[string]cronv3.EntryID),
		reaper:     reaper,
		staleAfter: staleAfter,
	}
}

// Stop gracefully stops the cron manager
func (cm *CronManager) Stop() {
	if cm.cron != nil {
		cm.log.Info("Stopping cron manager")
		ctx := cm.cron.Stop()
		// Wait for jobs to finish
		<-ctx.Done()
	}
	close(cm.stopCh)
}

// registerJobs adds all cron jobs to the scheduler
func (cm *CronManager) registerJobs(c *cronv3.Cron) {
	// Load cron config from environment variables
	var cronConfig cron_config.Config
	if err := env.Parse(&cronConfig); err != nil {
		cm.log.Fatalf("Failed to parse cron config from environment: %v", err)
	}

	// Register heartbeat job
	if cronConfig.CronScheduleHeartbeat != "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "local"
		}
		id, err := c.AddFunc(cronConfig.CronScheduleHeartbeat, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			cm.log.Infof("Cron heartbeat from host: %s", hostname)
		})
		if err != nil {
			cm.log.Fatalf("Could not add heartbeat cron job: %v", err)
		}
		cm.jobIDs["heartbeat"] = id
		cm.log.Infof("Registered heartbeat job with schedule: %s", cronConfig.CronScheduleHeartbeat)
	}

	// Add retry-state GC job
	if cronConfig.CronScheduleRetryStateGC != "" && cm.reaper != nil {
		id, err := c.AddFunc(cronConfig.CronScheduleRetryStateGC, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			jobLocks.locks[GroupPipeline].Lock()
			defer jobLocks.locks[GroupPipeline].Unlock()
			cm.reapRetryState()
		})
		if err != nil {
			cm.log.Fatalf("Could not add retry-state GC cron job: %v", err)
		}
		cm.jobIDs["retry_state_gc"] = id
		cm.log.Infof("Registered retry-state GC job with schedule: %s", cronConfig.CronScheduleRetryStateGC)
	}
}

// StartCron initializes and starts the cron scheduler
func (cm *CronManager) StartCron() {
	cm.log.Info("Starting cron manager")
	// Create a new cron with seconds field enabled and panic recovery
	cronOptions := []cronv3.Option{
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger), // Skip if still running
			cronv3.Recover(cronv3.DefaultLogger),            // Default recovery as backup
		),
	}
	c := cronv3.New(cronOptions...)
	cm.registerJobs(c)
	c.Start()
	cm.cron = c
}

func (cm *CronManager) reapRetryState() {
	ctx := context.Background()

	span, _ := tracing.StartTracerSpan(ctx, "CronManager.reapRetryState")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	removed := cm.reaper.ReapStale(cm.staleAfter)
	if removed > 0 {
		cm.log.Infof("Dropped %d stale retry-state entries", removed)
	}
}
