/**
 * @description
 * Cron scheduler for the wallet service's background sweeps: ledger
 * reconciliation and auto-recharge.
 */
package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the periodic wallet sweeps.
type Scheduler struct {
	cron                 *cron.Cron
	reconciler           *Reconciler
	autoRecharger        *AutoRecharger
	reconcileSchedule    string
	autoRechargeSchedule string
}

// NewScheduler creates a scheduler. Schedules use standard cron expressions.
func NewScheduler(reconciler *Reconciler, autoRecharger *AutoRecharger, reconcileSchedule, autoRechargeSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:                 c,
		reconciler:           reconciler,
		autoRecharger:        autoRecharger,
		reconcileSchedule:    reconcileSchedule,
		autoRechargeSchedule: autoRechargeSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.reconcileSchedule, s.runReconcile); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconciliation job\" schedule=%q err=%v", s.reconcileSchedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled reconciliation job\" schedule=%q", s.reconcileSchedule)
	}

	if _, err := s.cron.AddFunc(s.autoRechargeSchedule, s.runAutoRecharge); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule auto-recharge job\" schedule=%q err=%v", s.autoRechargeSchedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled auto-recharge job\" schedule=%q", s.autoRechargeSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler, returning a context that is done
// once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runReconcile() {
	if _, err := s.reconciler.Run(context.Background()); err != nil {
		log.Printf("level=error component=scheduler msg=\"reconciliation sweep failed\" err=%v", err)
	}
}

func (s *Scheduler) runAutoRecharge() {
	if _, err := s.autoRecharger.Run(context.Background()); err != nil {
		log.Printf("level=error component=scheduler msg=\"auto-recharge sweep failed\" err=%v", err)
	}
}
