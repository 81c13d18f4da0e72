package service

import (
	"context"
	"errors"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/utils"
	"github.com/apsgrid/otaserver/internal/webhook"

	"github.com/sirupsen/logrus"
)

// DefaultStagePercentages is the stage ladder used when none is given
var DefaultStagePercentages = []int{5, 25, 50, 100}

// CreateRolloutInput describes a new staged rollout
type CreateRolloutInput struct {
	Version          string
	StagePercentages []int
	AutoExpand       bool
	ExpandAfterMin   int
	FailureThreshold int // percent
}

// RolloutService drives percentage-based phased deployments. Stages
// slice the stable device ordering: stage k targets the first
// ceil(total*p_k/100) devices, so each stage is a superset of the
// previous one.
type RolloutService interface {
	Create(ctx context.Context, input CreateRolloutInput) (*models.StagedRollout, error)
	Get(ctx context.Context, id uint) (*models.StagedRollout, error)
	List(ctx context.Context) ([]*models.StagedRollout, error)
	Advance(ctx context.Context, id uint) (*models.StagedRollout, error)
	Pause(ctx context.Context, id uint) (*models.StagedRollout, error)
	Resume(ctx context.Context, id uint) (*models.StagedRollout, error)
	Cancel(ctx context.Context, id uint) error
	AutoExpandTick(ctx context.Context)
}

type rolloutService struct {
	repo       repository.Repository
	queue      UpdateQueue
	dispatcher webhook.Dispatcher
	logger     *logrus.Logger
}

// NewRolloutService creates the rollout controller
func NewRolloutService(repo repository.Repository, queue UpdateQueue, dispatcher webhook.Dispatcher, logger *logrus.Logger) RolloutService {
	return &rolloutService{
		repo:       repo,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// validateStages checks that a stage ladder widens monotonically and
// finishes covering the whole fleet. Each stage is a superset of the
// previous one, so a decreasing ladder would advance the stage counter
// while enqueueing nothing.
func validateStages(stages []int) error {
	prev := 0
	for _, p := range stages {
		if p < 1 || p > 100 || p < prev {
			return ErrInvalidStages
		}
		prev = p
	}
	if prev != 100 {
		return ErrInvalidStages
	}
	return nil
}

// stageCut is the number of devices covered through a cumulative
// percentage, never less than one.
func stageCut(total, percent int) int {
	cut := (total*percent + 99) / 100
	if cut < 1 {
		cut = 1
	}
	if cut > total {
		cut = total
	}
	return cut
}

func (s *rolloutService) Create(ctx context.Context, input CreateRolloutInput) (*models.StagedRollout, error) {
	version, err := utils.NormalizeVersion(input.Version)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.FindFirmwareByVersion(ctx, version); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrFirmwareNotFound
		}
		return nil, err
	}

	stages := input.StagePercentages
	if len(stages) == 0 {
		stages = DefaultStagePercentages
	}
	if err := validateStages(stages); err != nil {
		return nil, err
	}

	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("no devices to roll out to")
	}

	now := time.Now()
	rollout := &models.StagedRollout{
		Version:          version,
		CurrentStage:     1,
		StagePercentages: models.IntList(stages),
		Status:           models.RolloutActive,
		TotalDevices:     len(devices),
		AutoExpand:       input.AutoExpand,
		ExpandAfterMin:   input.ExpandAfterMin,
		FailureThreshold: input.FailureThreshold,
		LastExpanded:     &now,
	}
	if len(stages) == 1 {
		rollout.Status = models.RolloutCompleting
	}
	if err := s.repo.CreateRollout(ctx, rollout); err != nil {
		return nil, err
	}

	cut := stageCut(len(devices), stages[0])
	s.enqueueSlice(ctx, devices[:cut], version)

	s.logger.WithFields(logrus.Fields{
		"rollout": rollout.ID,
		"version": version,
		"stage":   1,
		"devices": cut,
	}).Info("Staged rollout created")

	return rollout, nil
}

// enqueueSlice queues the version for each device, tolerating per-device
// admission failures (already updating, recently deployed).
func (s *rolloutService) enqueueSlice(ctx context.Context, devices []*models.Device, version string) {
	for _, d := range devices {
		if err := s.queue.QueueUpdate(ctx, d.MACAddress, version); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"mac":     d.MACAddress,
				"version": version,
			}).Warn("Rollout enqueue skipped device")
		}
	}
}

func (s *rolloutService) Get(ctx context.Context, id uint) (*models.StagedRollout, error) {
	rollout, err := s.repo.FindRolloutByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRolloutNotFound
		}
		return nil, err
	}
	s.refreshCounts(ctx, rollout)
	return rollout, nil
}

func (s *rolloutService) List(ctx context.Context) ([]*models.StagedRollout, error) {
	rollouts, err := s.repo.ListRollouts(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rollouts {
		s.refreshCounts(ctx, r)
	}
	return rollouts, nil
}

// refreshCounts recomputes progress from the fleet's observed state
func (s *rolloutService) refreshCounts(ctx context.Context, rollout *models.StagedRollout) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to refresh rollout counts")
		return
	}

	var updated, failed int
	for _, d := range devices {
		if d.CurrentVersion == rollout.Version {
			updated++
		} else if d.TargetVersion == rollout.Version && d.OTAStatus == models.OTAStatusFailed {
			failed++
		}
	}
	rollout.UpdatedDevices = updated
	rollout.FailedDevices = failed

	if rollout.Status == models.RolloutCompleting && updated >= rollout.TotalDevices {
		rollout.Status = models.RolloutCompleted
	}
	if err := s.repo.UpdateRollout(ctx, rollout); err != nil {
		s.logger.WithError(err).Warn("Failed to persist rollout counts")
	}
}

// Advance moves the rollout to its next stage and queues the newly
// covered devices.
func (s *rolloutService) Advance(ctx context.Context, id uint) (*models.StagedRollout, error) {
	rollout, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rollout.Status != models.RolloutActive {
		return nil, ErrRolloutNotActive
	}
	if rollout.CurrentStage >= len(rollout.StagePercentages) {
		return nil, ErrRolloutNotActive
	}

	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	total := rollout.TotalDevices
	prevCut := stageCut(total, rollout.StagePercentages[rollout.CurrentStage-1])
	newCut := stageCut(total, rollout.StagePercentages[rollout.CurrentStage])
	if newCut > len(devices) {
		newCut = len(devices)
	}
	if prevCut > newCut {
		prevCut = newCut
	}

	now := time.Now()
	rollout.CurrentStage++
	rollout.LastExpanded = &now
	if rollout.CurrentStage == len(rollout.StagePercentages) {
		rollout.Status = models.RolloutCompleting
	}
	if err := s.repo.UpdateRollout(ctx, rollout); err != nil {
		return nil, err
	}

	s.enqueueSlice(ctx, devices[prevCut:newCut], rollout.Version)

	s.logger.WithFields(logrus.Fields{
		"rollout": rollout.ID,
		"stage":   rollout.CurrentStage,
		"devices": newCut - prevCut,
	}).Info("Rollout advanced")

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(webhook.EventRolloutStage, map[string]interface{}{
			"rolloutId": rollout.ID,
			"version":   rollout.Version,
			"stage":     rollout.CurrentStage,
		})
	}

	return rollout, nil
}

func (s *rolloutService) Pause(ctx context.Context, id uint) (*models.StagedRollout, error) {
	return s.setStatus(ctx, id, models.RolloutActive, models.RolloutPaused)
}

func (s *rolloutService) Resume(ctx context.Context, id uint) (*models.StagedRollout, error) {
	return s.setStatus(ctx, id, models.RolloutPaused, models.RolloutActive)
}

func (s *rolloutService) setStatus(ctx context.Context, id uint, from, to models.RolloutStatus) (*models.StagedRollout, error) {
	rollout, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rollout.Status != from {
		return nil, ErrRolloutNotActive
	}

	rollout.Status = to
	if err := s.repo.UpdateRollout(ctx, rollout); err != nil {
		return nil, err
	}
	return rollout, nil
}

// Cancel deletes the rollout record. In-flight update tasks are left
// to finish; there is no per-device abort.
func (s *rolloutService) Cancel(ctx context.Context, id uint) error {
	err := s.repo.DeleteRollout(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrRolloutNotFound
	}
	return err
}

// AutoExpandTick advances auto-expanding rollouts whose dwell time has
// elapsed and whose failure rate is under threshold; over threshold the
// rollout is paused instead.
func (s *rolloutService) AutoExpandTick(ctx context.Context) {
	rollouts, err := s.repo.ListRollouts(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Auto-expand tick failed to list rollouts")
		return
	}

	now := time.Now()
	for _, rollout := range rollouts {
		if !rollout.AutoExpand || rollout.Status != models.RolloutActive {
			continue
		}
		if rollout.CurrentStage >= len(rollout.StagePercentages) {
			continue
		}
		if rollout.LastExpanded != nil &&
			now.Sub(*rollout.LastExpanded) < time.Duration(rollout.ExpandAfterMin)*time.Minute {
			continue
		}

		s.refreshCounts(ctx, rollout)
		if rollout.UpdatedDevices == 0 {
			continue
		}

		failureRate := float64(rollout.FailedDevices) / float64(rollout.UpdatedDevices)
		if failureRate >= float64(rollout.FailureThreshold)/100 {
			rollout.Status = models.RolloutPaused
			if err := s.repo.UpdateRollout(ctx, rollout); err != nil {
				s.logger.WithError(err).Error("Failed to pause rollout over failure threshold")
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"rollout":     rollout.ID,
				"failureRate": failureRate,
			}).Warn("Rollout paused: failure rate over threshold")

			if s.dispatcher != nil {
				s.dispatcher.Dispatch(webhook.EventRolloutPaused, map[string]interface{}{
					"rolloutId":   rollout.ID,
					"version":     rollout.Version,
					"failureRate": failureRate,
				})
			}
			continue
		}

		if _, err := s.Advance(ctx, rollout.ID); err != nil {
			s.logger.WithError(err).WithField("rollout", rollout.ID).
				Warn("Auto-expand advance failed")
		}
	}
}
