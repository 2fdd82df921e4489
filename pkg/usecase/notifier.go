package usecase

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

type multiDeliverer struct {
	deliverers []interfaces.Deliverer
}

// NewMultiDeliverer fans a notification out to every deliverer. A failing
// deliverer does not stop the others.
func NewMultiDeliverer(deliverers ...interfaces.Deliverer) interfaces.Deliverer {
	return &multiDeliverer{deliverers: deliverers}
}

func (m *multiDeliverer) Deliver(ctx context.Context, n *model.Notification, users []*model.User) error {
	var result *multierror.Error
	for _, d := range m.deliverers {
		if err := d.Deliver(ctx, n, users); err != nil {
			ctxlog.From(ctx).Warn("delivery failed",
				slog.String("notification", n.Name),
				slog.Any("error", err),
			)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type noOpDeliverer struct{}

func NewNoOpDeliverer() interfaces.Deliverer {
	return noOpDeliverer{}
}

func (noOpDeliverer) Deliver(context.Context, *model.Notification, []*model.User) error {
	return nil
}

// NewDeliverers builds the mailer and the channel announcers from delivery
// settings. mailer is nil when SMTP is not configured.
func NewDeliverers(cfg model.DeliveryConfig) (mailer interfaces.Deliverer, announcer interfaces.Deliverer, err error) {
	if cfg.SMTP != nil {
		mailer = NewEmailDeliverer(*cfg.SMTP)
	}

	var channels []interfaces.Deliverer
	if cfg.Slack != nil {
		slack, err := NewSlackDeliverer(*cfg.Slack)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, slack)
	}
	if cfg.Command != nil {
		channels = append(channels, NewCommandDeliverer(*cfg.Command))
	}
	return mailer, NewMultiDeliverer(channels...), nil
}
