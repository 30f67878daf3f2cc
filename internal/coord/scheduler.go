package coord

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lgulliver/cairn/pkg/config"
	"github.com/rs/zerolog/log"
)

// Task is periodic background work
type Task struct {
	Name     string
	Interval time.Duration
	// LeaderLock, when non-zero, restricts each run to the elected instance
	LeaderLock int64
	// RunAtStart triggers one run before the first tick
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs tasks on independent tickers
type Scheduler struct {
	elector Elector
	tasks   []Task
}

// NewScheduler creates a scheduler that elects through elector
func NewScheduler(elector Elector) *Scheduler {
	return &Scheduler{elector: elector}
}

// Add registers a task. Tasks added after Run starts are ignored.
func (s *Scheduler) Add(task Task) {
	s.tasks = append(s.tasks, task)
}

// Run blocks until ctx is cancelled and every task loop has returned
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			log.Warn().Str("task", task.Name).Msg("skipping task without interval or body")
			continue
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.loop(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	if task.RunAtStart {
		s.RunOnce(ctx, task)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, task)
		}
	}
}

// RunOnce executes a task immediately, honouring its leader lock
func (s *Scheduler) RunOnce(ctx context.Context, task Task) {
	start := time.Now()
	var err error
	ran := true

	if task.LeaderLock != 0 && s.elector != nil {
		ran, err = s.elector.RunIfLeader(ctx, task.LeaderLock, task.Run)
	} else {
		err = task.Run(ctx)
	}

	if err != nil {
		log.Error().Err(err).Str("task", task.Name).Msg("scheduled task failed")
		return
	}
	if ran {
		log.Debug().Str("task", task.Name).Dur("duration", time.Since(start)).Msg("scheduled task finished")
	}
}

// MaintenanceTasks returns the job queue housekeeping tasks: stale lock sweep
// and old job retention.
func MaintenanceTasks(queue *JobQueue, cfg config.JobsConfig) []Task {
	return []Task{
		{
			Name:     "release-stale-jobs",
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := queue.ReleaseStaleLocks(ctx, cfg.StaleThreshold)
				return err
			},
		},
		{
			Name:       "cleanup-old-jobs",
			Interval:   time.Hour,
			LeaderLock: LeaderJobMaintenance,
			Run: func(ctx context.Context) error {
				n, err := queue.CleanupOldJobs(ctx, cfg.Retention)
				if n > 0 {
					log.Info().Int64("deleted", n).Msg("removed old jobs")
				}
				return err
			},
		},
	}
}

// DailyJobTask makes sure one job of jobType exists per UTC day
func DailyJobTask(queue *JobQueue, jobType string, interval time.Duration) Task {
	return Task{
		Name:       "schedule-" + jobType,
		Interval:   interval,
		LeaderLock: LeaderProxyCacheSchedule,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			// midnight UTC, kept in the local zone so it compares with stored timestamps
			day := queue.now().Truncate(24 * time.Hour)
			created, err := queue.EnsureJobSince(ctx, jobType, day, nil)
			if created {
				log.Info().Str("type", jobType).Time("day", day).Msg("scheduled daily job")
			}
			return err
		},
	}
}

// UpstreamPingTask runs ping on the elected instance every interval. ping
// returns the unreachable upstreams by repository name.
func UpstreamPingTask(interval time.Duration, ping func(ctx context.Context) (map[string]error, error)) Task {
	return Task{
		Name:       "ping-proxy-upstreams",
		Interval:   interval,
		LeaderLock: LeaderUpstreamPing,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			failures, err := ping(ctx)
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				names := make([]string, 0, len(failures))
				for name := range failures {
					names = append(names, name)
				}
				sort.Strings(names)
				log.Warn().Strs("repositories", names).Msg("proxy upstreams unreachable")
			}
			return nil
		},
	}
}
