// ABOUTME: Package templates keeps the message template cache in step with the vendors
// ABOUTME: Provides an on-demand Syncer and a cron-driven Scheduler

package templates
