package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vyper-protocol/vyper-core-sub000/internal/alerting"
	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/metrics"
	"github.com/vyper-protocol/vyper-core-sub000/internal/storage"
)

// alertable lists the failures an operator has to act on.
var alertable = []error{
	errcode.ErrStaleFairValue,
	errcode.ErrHalt,
	errcode.ErrPluginCall,
}

func shouldAlert(err error) bool {
	for _, target := range alertable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) observe(ctx context.Context, id uuid.UUID, at attempt, err error, elapsed time.Duration) {
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = errcode.Code(err)
	}
	o.deps.Metrics.ObserveRefresh(id.String(), outcome, elapsed)
	if err == nil && at.cfg != nil {
		o.deps.Metrics.AddFee(id.String(), at.result.FeeQuantity)
		o.deps.Metrics.RecordState(id.String(), at.cfg.Data)
	}

	if err != nil {
		o.logger.Warn().Err(err).
			Str("tranche", id.String()).
			Str("phase", string(at.phase)).
			Str("code", outcome).
			Msg("refresh failed")
	}

	if at.cfg == nil {
		return
	}
	o.recordHistory(ctx, id, at, outcome, err)

	if err != nil && shouldAlert(err) {
		o.alert(ctx, id, at, outcome, err)
	}
}

func (o *Orchestrator) recordHistory(ctx context.Context, id uuid.UUID, at attempt, outcome string, err error) {
	if o.deps.History == nil {
		return
	}
	data := at.cfg.Data
	rec := storage.RefreshRecord{
		TrancheID:         id,
		Tick:              at.reading.Tick,
		Outcome:           outcome,
		DepositedQuantity: data.DepositedQuantity,
		Fee:               at.result.FeeQuantity,
		ReserveFairValue:  data.ReserveFairValue.Value,
		TrancheFairValue:  data.TrancheFairValue.Value,
	}
	if err != nil {
		msg := err.Error()
		rec.Error = &msg
		rec.Fee = 0
	}
	if _, insertErr := o.deps.History.InsertRefreshRecord(ctx, rec); insertErr != nil {
		o.logger.Error().Err(insertErr).Str("tranche", id.String()).Msg("failed to persist refresh record")
	}
}

func (o *Orchestrator) alert(ctx context.Context, id uuid.UUID, at attempt, code string, err error) {
	if o.deps.Notifier == nil {
		return
	}
	now := o.now()
	key := id.String() + "/" + code
	o.alertMu.Lock()
	if last, ok := o.lastAlerts[key]; ok && o.opts.AlertCooldown > 0 && now.Sub(last) < o.opts.AlertCooldown {
		o.alertMu.Unlock()
		o.logger.Debug().Str("tranche", id.String()).Str("code", code).Msg("alert suppressed by cooldown")
		return
	}
	o.lastAlerts[key] = now
	o.alertMu.Unlock()

	note := alerting.Notification{
		TrancheID:    id.String(),
		TrancheName:  at.cfg.Name,
		At:           now,
		Tick:         at.reading.Tick,
		Code:         code,
		Error:        err.Error(),
		RateSource:   at.cfg.RateSource,
		PayoffModule: at.cfg.PayoffModule,
		Channels:     o.opts.Channels,
	}
	if o.deps.AlertStore != nil {
		record := storage.AlertRecord{
			TrancheID: id,
			Code:      code,
			Message:   note.Error,
			Channels:  o.opts.Channels,
		}
		if _, err := o.deps.AlertStore.InsertAlert(ctx, record); err != nil {
			o.logger.Error().Err(err).Str("tranche", id.String()).Msg("failed to persist alert record")
		}
	}
	if err := o.deps.Notifier.Notify(ctx, note); err != nil {
		o.logger.Error().Err(err).Str("tranche", id.String()).Msg("failed to dispatch alert")
	}
}
