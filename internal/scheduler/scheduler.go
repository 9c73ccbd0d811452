package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/service"
)

// DayCloser closes every open route for a business date.
type DayCloser interface {
	CloseBusinessDay(ctx context.Context, businessDate string) ([]domain.RouteClosure, error)
}

// Scheduler closes the previous business day on a cron schedule for sellers
// who never closed their route themselves.
type Scheduler struct {
	cron     *cron.Cron
	spec     string
	closer   DayCloser
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

func NewScheduler(spec string, closer DayCloser, location *time.Location, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = time.UTC
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(location)),
		spec:     spec,
		closer:   closer,
		location: location,
		logger:   logger,
		now:      time.Now,
	}
}

// Start registers the auto-close job and starts the cron runner. An invalid
// schedule is returned to the caller instead of being logged away.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.closePreviousDay); err != nil {
		return err
	}
	s.logger.Info("starting scheduler", zap.String("auto_close_cron", s.spec), zap.String("location", s.location.String()))
	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) closePreviousDay() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	businessDate := s.now().In(s.location).AddDate(0, 0, -1).Format("2006-01-02")
	s.logger.Info("auto closing routes", zap.String("business_date", businessDate))

	closed, err := s.closer.CloseBusinessDay(service.WithActor(ctx, domain.SystemActor), businessDate)
	if err != nil {
		s.logger.Error("auto close finished with errors", zap.String("business_date", businessDate), zap.Int("closed", len(closed)), zap.Error(err))
		return
	}
	s.logger.Info("auto close finished", zap.String("business_date", businessDate), zap.Int("closed", len(closed)))
}
