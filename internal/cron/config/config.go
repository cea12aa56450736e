package cron_config

type Config struct {
	// Heartbeat log line, every minute
	CronScheduleHeartbeat string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * * *"`
	// Stale retry bookkeeping cleanup, hourly
	CronScheduleRetryStateGC string `env:"CRON_SCHEDULE_RETRY_STATE_GC" envDefault:"0 0 * * * *"`
}
