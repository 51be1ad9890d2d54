package daemon

import (
	"context"
	"fmt"

	"github.com/yairfalse/tarkka/orchestrator"
)

// Job id prefixes.
const (
	JobSync      = "sync"
	JobBalance   = "balance"
	JobAutoRenew = "auto-renew"
	JobPolicy    = "policy"
)

// Jobs builds every scheduled job the config asks for: one sync job per
// scope, one balance and one auto-renew job per enabled account and one job
// per policy.
func (c *Components) Jobs(ctx context.Context) ([]orchestrator.Job, error) {
	cfg := c.Config
	ttl := cfg.Lock.TTL
	var jobs []orchestrator.Job

	for _, scope := range cfg.Scopes() {
		task, err := c.SyncTask(ctx, scope)
		if err != nil {
			return nil, err
		}
		acct, _ := cfg.Account(scope.Account)
		jobs = append(jobs, orchestrator.Job{
			ID:       JobSync + ":" + scope.Key(),
			Schedule: acct.Sync.Schedule,
			LockTTL:  ttl,
			Run:      task.Run,
		})
	}

	for _, acct := range cfg.Accounts {
		if acct.Billing.Enabled() {
			task, err := c.BalanceTask(acct.Name)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, orchestrator.Job{
				ID:       JobBalance + ":" + acct.Name,
				Schedule: acct.Billing.Schedule,
				LockTTL:  ttl,
				Run:      task.Run,
			})
		}

		if acct.AutoRenew.Enabled {
			task, err := c.AutoRenewTask(acct.Name)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, orchestrator.Job{
				ID:       JobAutoRenew + ":" + acct.Name,
				Schedule: acct.AutoRenew.Schedule,
				LockTTL:  ttl,
				Run:      task.Run,
			})
		}
	}

	for _, p := range cfg.Policies {
		task, err := c.PolicyTask(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		jobs = append(jobs, orchestrator.Job{
			ID:       JobPolicy + ":" + p.Name,
			Schedule: p.Schedule,
			LockTTL:  ttl,
			Run:      task.Run,
		})
	}

	if len(jobs) == 0 {
		return nil, errNoJobs
	}
	return jobs, nil
}
