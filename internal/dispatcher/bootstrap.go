package dispatcher

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agencyworks/billing-reconciler/internal/access"
	"github.com/agencyworks/billing-reconciler/internal/notifications"
	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/metrics"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
	"github.com/agencyworks/billing-reconciler/pkg/redis"
)

// BootstrapParams are the process-level resources a dispatcher is built from.
type BootstrapParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Alerter    Alerter
	Registerer prometheus.Registerer
}

// Bootstrap wires a dispatcher against the real stores and delivery providers.
func Bootstrap(ctx context.Context, params BootstrapParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	email, sms, err := notifications.SendersFromConfig(ctx, params.Config, params.Logger)
	if err != nil {
		return nil, err
	}

	svcParams := ServiceParams{
		Config:        params.Config,
		Logger:        params.Logger.Named("dispatcher"),
		DB:            params.DB,
		Repository:    outbox.NewRepository(params.DB.DB()),
		DLQRepository: outbox.NewDLQRepository(params.DB.DB()),
		Renderer:      notifications.NewRenderer(),
		Email:         email,
		SMS:           sms,
		Access:        access.NewStore(params.DB.DB()),
		Alerter:       params.Alerter,
		Metrics:       metrics.NewDispatchMetrics(params.Registerer),
	}
	if params.Redis != nil {
		svcParams.Budget = params.Redis
	}
	return NewService(svcParams)
}
