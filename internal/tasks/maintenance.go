package tasks

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/twinctl/twinctl/internal/instrumentation/metrics"
	"github.com/twinctl/twinctl/internal/store"
)

// Maintenance owns the scheduled housekeeping jobs: stale-device detection
// and orphaned-index cleanup. Both jobs are observational or index-local;
// neither ever deletes twin data, a silent device may simply be powered off.
type Maintenance struct {
	twin      store.Twin
	log       logrus.FieldLogger
	collector *metrics.TelemetryCollector

	staleThreshold time.Duration
	cron           *cron.Cron
}

func NewMaintenance(twin store.Twin, log logrus.FieldLogger, collector *metrics.TelemetryCollector, staleThreshold time.Duration) *Maintenance {
	return &Maintenance{
		twin:           twin,
		log:            log,
		collector:      collector,
		staleThreshold: staleThreshold,
	}
}

// Start schedules both jobs with seconds-resolution cron expressions.
func (m *Maintenance) Start(ctx context.Context, staleCron, orphanCron string) error {
	m.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))

	if _, err := m.cron.AddFunc(staleCron, func() {
		if _, err := m.DetectStaleDevices(ctx); err != nil {
			m.log.WithError(err).Error("stale device detection failed")
		}
	}); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(orphanCron, func() {
		if _, err := m.CleanupOrphanedIndexEntries(ctx); err != nil {
			m.log.WithError(err).Error("orphan cleanup failed")
		}
	}); err != nil {
		return err
	}

	m.cron.Start()
	return nil
}

func (m *Maintenance) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// DetectStaleDevices reports every indexed device whose last activity is past
// the threshold. Detection only: the devices stay in the index and keep their
// state.
func (m *Maintenance) DetectStaleDevices(ctx context.Context) ([]api.DeviceID, error) {
	ids, err := m.twin.GetAllIndexedDeviceKeys(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-m.staleThreshold)
	var stale []api.DeviceID
	for _, id := range ids {
		activity, err := m.twin.FindLastActivity(ctx, id)
		if err != nil {
			m.log.WithError(err).Errorf("reading last activity of %s", id)
			continue
		}
		if activity == nil || activity.Before(cutoff) {
			stale = append(stale, id)
			m.log.Warnf("device %s has been silent since %v", id, activity)
		}
	}
	if m.collector != nil {
		m.collector.SetStaleDevices(len(stale))
	}
	m.log.Infof("stale sweep: %d of %d devices past threshold", len(stale), len(ids))
	return stale, nil
}

// CleanupOrphanedIndexEntries drops index entries whose device has no twin
// facets left, the residue of deletions that died between steps.
func (m *Maintenance) CleanupOrphanedIndexEntries(ctx context.Context) (int, error) {
	ids, err := m.twin.GetAllIndexedDeviceKeys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		exists, err := m.twin.DeviceExists(ctx, id)
		if err != nil {
			m.log.WithError(err).Errorf("checking %s", id)
			continue
		}
		if exists {
			continue
		}
		if err := m.twin.RemoveFromIndex(ctx, id); err != nil {
			m.log.WithError(err).Errorf("removing orphaned index entry %s", id)
			continue
		}
		removed++
		m.log.Infof("removed orphaned index entry %s", id)
	}
	return removed, nil
}
